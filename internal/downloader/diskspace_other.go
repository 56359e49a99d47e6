//go:build !(linux || darwin || freebsd || windows)

package downloader

func freeSpace(string) (uint64, error) {
	return unknownFreeSpace, nil
}
