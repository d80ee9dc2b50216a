package store

import (
	"fmt"
	"strconv"
	"strings"
)

const keyPrefix = "oltwatch"

// QueueKey is the per-device pending-queue ZSET.
// Format: oltwatch:queue:{deviceID}
func QueueKey(deviceID int64) string {
	return fmt.Sprintf("%s:queue:%d", keyPrefix, deviceID)
}

// QueueMetaKey is the companion hash holding entry payloads.
func QueueMetaKey(deviceID int64) string {
	return fmt.Sprintf("%s:queuemeta:%d", keyPrefix, deviceID)
}

// QueueIndexKey maps a master id to its live ZSET member, for dedupe and
// targeted removal.
func QueueIndexKey(deviceID int64) string {
	return fmt.Sprintf("%s:queueidx:%d", keyPrefix, deviceID)
}

// QueueSeqKey is the per-device enqueue sequence counter.
func QueueSeqKey(deviceID int64) string {
	return fmt.Sprintf("%s:queueseq:%d", keyPrefix, deviceID)
}

// QueueScanPattern matches all per-device queue ZSETs.
func QueueScanPattern() string {
	return keyPrefix + ":queue:*"
}

// DeviceIDFromQueueKey parses the device id back out of a queue key.
func DeviceIDFromQueueKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix+":queue:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CreationLockKey serializes concurrent dispatch decisions for one
// (device, master) pair. TTL 5 s.
func CreationLockKey(deviceID, masterID int64) string {
	return fmt.Sprintf("%s:lock:create:%d:%d", keyPrefix, deviceID, masterID)
}

// DrainLockKey guards the completion callback's queue-drain step. TTL 10 s.
func DrainLockKey(deviceID int64) string {
	return fmt.Sprintf("%s:lock:drain:%d", keyPrefix, deviceID)
}

// SingletonLockKey is the cluster-wide scheduler lease.
func SingletonLockKey() string {
	return keyPrefix + ":lock:scheduler-singleton"
}
