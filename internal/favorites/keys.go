package favorites

import "strconv"

const (
	partitionPrefix = "USER#"
	sortPrefix      = "MOVIE#"
	flatNamespace   = "fav:"
	flatSeparator   = "|"
)

// StorageKey is the composite key of one record. Partition groups every record of one
// owner; Sort orders records by item within the partition.
type StorageKey struct {
	Partition string
	Sort      string
}

// DeriveKey returns the storage key for (ownerID, itemID).
func DeriveKey(ownerID OwnerID, itemID ItemID) StorageKey {
	return StorageKey{
		Partition: PartitionKey(ownerID),
		Sort:      sortPrefix + itemID.String(),
	}
}

// PartitionKey returns the partition shared by all records of ownerID.
func PartitionKey(ownerID OwnerID) string {
	return partitionPrefix + ownerID.String()
}

// IsZero reports whether the key is unset.
func (key StorageKey) IsZero() bool {
	return key.Partition == "" && key.Sort == ""
}

// Flat encodes the key for single-keyspace stores. The partition is length-prefixed, so
// distinct pairs never collide and one owner's flat prefix never covers another owner's keys.
func (key StorageKey) Flat() []byte {
	buf := FlatPartitionPrefix(key.Partition)
	return append(buf, key.Sort...)
}

// FlatPartitionPrefix returns the byte prefix shared by every flat key of a partition.
func FlatPartitionPrefix(partition string) []byte {
	buf := make([]byte, 0, len(flatNamespace)+len(partition)+24)
	buf = append(buf, flatNamespace...)
	buf = strconv.AppendInt(buf, int64(len(partition)), 10)
	buf = append(buf, ':')
	buf = append(buf, partition...)
	buf = append(buf, flatSeparator...)
	return buf
}
