package storage

import "fmt"

// Key layout shared by every component. The conventions follow the Redis
// namespace the CRM always used (doc:*, idx:*), extended with versioned
// index buckets so rebuilds never touch the live index in place.
//
//	doc:<kind>:<primaryKey>              entity document
//	idxver:<kind>:<field>                live index version pointer
//	idx:<kind>:<field>:<version>:<value> index bucket (set of primary keys)
//	idxback:<kind>:<field>:<version>     retired index version marker
//	idxrepair:<kind>                     primary keys queued for index repair
//	lock:<scope>                         advisory lock
//	report:<type>:<id>                   persisted audit/rebuild/merge report

// DocKey returns the document key for an entity.
func DocKey(kind, primaryKey string) string {
	return fmt.Sprintf("doc:%s:%s", kind, primaryKey)
}

// DocPrefix returns the scan prefix for all documents of a kind.
func DocPrefix(kind string) string {
	return fmt.Sprintf("doc:%s:", kind)
}

// IndexVersionKey returns the pointer key holding the live version label
// of one secondary index.
func IndexVersionKey(kind, field string) string {
	return fmt.Sprintf("idxver:%s:%s", kind, field)
}

// IndexBucketKey returns the set key for one (index version, value) bucket.
func IndexBucketKey(kind, field, version, value string) string {
	return fmt.Sprintf("idx:%s:%s:%s:%s", kind, field, version, value)
}

// IndexFieldPrefix returns the set-name prefix covering every bucket of an
// index across all versions.
func IndexFieldPrefix(kind, field string) string {
	return fmt.Sprintf("idx:%s:%s:", kind, field)
}

// IndexBucketPrefix returns the set-name prefix covering every bucket of one
// index version.
func IndexBucketPrefix(kind, field, version string) string {
	return fmt.Sprintf("idx:%s:%s:%s:", kind, field, version)
}

// IndexBackupKey returns the document key marking a retired index version.
func IndexBackupKey(kind, field, version string) string {
	return fmt.Sprintf("idxback:%s:%s:%s", kind, field, version)
}

// IndexBackupPrefix returns the scan prefix for retired versions of an index.
func IndexBackupPrefix(kind, field string) string {
	return fmt.Sprintf("idxback:%s:%s:", kind, field)
}

// RepairQueueKey returns the set key holding primary keys whose index
// memberships need to be re-synced after a failed index write.
func RepairQueueKey(kind string) string {
	return fmt.Sprintf("idxrepair:%s", kind)
}

// EntityLockKey returns the per-entity write lock key.
func EntityLockKey(kind, primaryKey string) string {
	return fmt.Sprintf("lock:doc:%s:%s", kind, primaryKey)
}

// RebuildLockKey returns the advisory lock key serializing rebuilds of one
// index. The reconciler takes the same lock for the whole kind via
// ReconcileLockKey so merges and rebuilds never interleave.
func RebuildLockKey(kind, field string) string {
	return fmt.Sprintf("lock:rebuild:%s:%s", kind, field)
}

// ReconcileLockKey returns the advisory lock key serializing reconciliation
// runs for a kind.
func ReconcileLockKey(kind string) string {
	return fmt.Sprintf("lock:reconcile:%s", kind)
}

// ReportKey returns the document key for a persisted maintenance report.
func ReportKey(reportType, id string) string {
	return fmt.Sprintf("report:%s:%s", reportType, id)
}
