//go:build !linux

package envcache

// fileLock is a no-op outside Linux. Provisioning is still serialized
// within a process by the cache's in-memory entries; processes sharing a
// cache root on these platforms are not coordinated.
type fileLock struct{}

func acquireFileLock(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func tryFileLock(string) (*fileLock, bool, error) {
	return &fileLock{}, true, nil
}

func trySharedLock(string) (*fileLock, bool, error) {
	return &fileLock{}, true, nil
}

// Release is a no-op.
func (l *fileLock) Release() {}
