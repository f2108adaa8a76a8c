package identity

import (
	"fmt"
	"testing"
)

type memKV struct {
	m    map[string]string
	fail bool
}

func (k *memKV) Get(key string) (string, bool, error) {
	if k.fail {
		return "", false, fmt.Errorf("kv unavailable")
	}
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) Put(key, value string) error {
	if k.fail {
		return fmt.Errorf("kv unavailable")
	}
	k.m[key] = value
	return nil
}

type seqIDs struct {
	n int
}

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

func TestInstallationID_StableAcrossCalls(t *testing.T) {
	kv := &memKV{m: map[string]string{}}
	ids := &seqIDs{}

	first, err := InstallationID(kv, ids)
	if err != nil {
		t.Fatalf("InstallationID: %v", err)
	}
	second, err := InstallationID(kv, ids)
	if err != nil {
		t.Fatalf("InstallationID: %v", err)
	}
	if first != second {
		t.Errorf("installation id changed: %s then %s", first, second)
	}
	if ids.n != 1 {
		t.Errorf("minted %d ids, want 1", ids.n)
	}
}

func TestInstallationID_KVFailureSurfaces(t *testing.T) {
	kv := &memKV{fail: true}

	if _, err := InstallationID(kv, &seqIDs{}); err == nil {
		t.Fatal("InstallationID returned nil error on a failing store")
	}
}

func TestUUIDProvider_UniqueIDs(t *testing.T) {
	ids := NewUUIDProvider()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := ids.NewID()
		if id == "" {
			t.Fatal("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
