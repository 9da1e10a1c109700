package operations

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"
)

const (
	namedUUIDPrefix = 'u'
)

var (
	namedUUIDCounter = randomUint32()
)

func randomUint32() uint32 {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		klog.Errorf("Error reading bytes for random number generation using crypto/rand: %v", err)
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// BuildNamedUUID builds an id that can be used as a named-uuid
// as per OVSDB rfc 7047 section 5.1
func BuildNamedUUID() string {
	return fmt.Sprintf("%c%010d", namedUUIDPrefix, atomic.AddUint32(&namedUUIDCounter, 1))
}
