package common

import (
	"strconv"
	"testing"
	"time"
)

func BenchmarkLockMapDifferentKeys(b *testing.B) {
	m := NewLockMap(quietLogger(), time.Second)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			unlock, err := m.TryLock(strconv.Itoa(i))
			if err == nil {
				unlock()
			}
			i++
		}
	})
}

func BenchmarkLockMapSameKey(b *testing.B) {
	m := NewLockMap(quietLogger(), time.Second)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			unlock, err := m.TryLock("same")
			if err == nil {
				unlock()
			}
		}
	})
}
