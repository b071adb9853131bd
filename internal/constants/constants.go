package constants

// Advisory lock ids shared by every instance.
const (
	MigrationLock = iota + 7301
	CleanupLock
	RecoverLock
)

var Locks = []int{
	MigrationLock,
	CleanupLock,
	RecoverLock,
}
