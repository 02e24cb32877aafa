package s3parquet

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferedReaderAt_ReadAtIsRandomAccess(t *testing.T) {
	t.Parallel()
	b, err := newBufferedReaderAt(bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)
	require.Equal(t, int64(10), b.Size())

	buf := make([]byte, 4)
	n, err := b.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(buf))

	n, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "0123", string(buf))
}

func TestBufferedReaderAt_SeekAndSequentialRead(t *testing.T) {
	t.Parallel()
	b, err := newBufferedReaderAt(bytes.NewReader([]byte("abcdefgh")))
	require.NoError(t, err)

	pos, err := b.Seek(4, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(4), pos)

	buf := make([]byte, 2)
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "ef", string(buf))
}

func TestBufferedReaderAt_SatisfiesReaderAtAndReadSeeker(t *testing.T) {
	t.Parallel()
	b, err := newBufferedReaderAt(bytes.NewReader(nil))
	require.NoError(t, err)
	var _ io.ReaderAt = b
	var _ io.ReadSeeker = b
}
