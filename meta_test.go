package ember

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleMeta(txidv txid) meta {
	m := meta{
		magic:    magic,
		version:  version,
		pageSize: uint32(defaultPageSize),
		root:     bucket{root: 3},
		freelist: 2,
		pgid:     4,
		txid:     txidv,
	}
	m.checksum = m.sum64()
	return m
}

func TestMeta_ValidateRejectsBadMagicAndVersion(t *testing.T) {
	m := sampleMeta(1)
	require.NoError(t, m.validate())

	bad := m
	bad.magic = 0xDEADBEEF
	require.Equal(t, ErrInvalid, bad.validate())

	bad = m
	bad.version = version + 1
	require.Equal(t, ErrVersionMismatch, bad.validate())
}

func TestMeta_ChecksumMismatchDetected(t *testing.T) {
	m := sampleMeta(1)
	m.txid = 2 // mutate a field covered by the checksum without recomputing it
	require.Equal(t, ErrChecksumMismatch, m.validate())
}

// A meta with a zero checksum is treated as not-yet-written rather than
// corrupt: validate skips the checksum comparison for it.
func TestMeta_ZeroChecksumSkipsVerification(t *testing.T) {
	m := sampleMeta(1)
	m.checksum = 0
	require.NoError(t, m.validate())
}

func TestMeta_CopyIsIndependent(t *testing.T) {
	m := sampleMeta(5)
	var dup meta
	m.copy(&dup)
	require.Equal(t, m, dup)

	dup.txid = 6
	require.NotEqual(t, m.txid, dup.txid)
}
