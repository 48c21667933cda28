package fs

// Dirent is one directory entry returned by getdents.
type Dirent struct {
	Ino  uint32
	Type uint8
	Name string
}
