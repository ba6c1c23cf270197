package tranger

import (
	"os"
)

// CriticalPolicy selects what happens when a write to disk fails.
type CriticalPolicy int

const (
	LogOnly  CriticalPolicy = iota // Log and continue
	LogTrace                       // Log with a stack trace and continue
	Abort                          // Log and terminate the process
)

const (
	DefaultFilenameMask    = "%Y-%m-%d"
	DefaultXPermission     = 02770
	DefaultRPermission     = 0660
	DefaultReadFDCacheSize = 256

	// MetadataFilename holds the database settings and the master lock.
	MetadataFilename = "__timeranger2__.json"
)

// Options configures Startup.
type Options struct {
	// Path is the root directory holding databases.
	Path string
	// Database is the directory name under Path. Empty means the last
	// segment of Path.
	Database string
	// Master requests the single writer role.
	Master bool

	FilenameMask string
	XPermission  uint32 // directories
	RPermission  uint32 // files

	OnCriticalError CriticalPolicy
	ReadFDCacheSize int

	// CipherKey enables sf_cipher_record topics. Must be 32 bytes.
	CipherKey []byte
}

func (o *Options) setDefaults() {
	if o.FilenameMask == "" {
		o.FilenameMask = DefaultFilenameMask
	}
	if o.XPermission == 0 {
		o.XPermission = DefaultXPermission
	}
	if o.RPermission == 0 {
		o.RPermission = DefaultRPermission
	}
	if o.ReadFDCacheSize <= 0 {
		o.ReadFDCacheSize = DefaultReadFDCacheSize
	}
}

// fileMode converts a unix permission word, including the setuid, setgid
// and sticky bits, to an os.FileMode.
func fileMode(perm uint32) os.FileMode {
	m := os.FileMode(perm & 0777)
	if perm&04000 != 0 {
		m |= os.ModeSetuid
	}
	if perm&02000 != 0 {
		m |= os.ModeSetgid
	}
	if perm&01000 != 0 {
		m |= os.ModeSticky
	}
	return m
}
