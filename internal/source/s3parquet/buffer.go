package s3parquet

import (
	"bytes"
	"io"
)

// bufferedReaderAt adapts a sequential io.Reader (an S3 GetObject body) to
// the io.ReadSeeker + io.ReaderAt combination the Parquet reader expects,
// by reading the object fully into memory once, up front.
type bufferedReaderAt struct {
	data []byte
	r    *bytes.Reader
}

func newBufferedReaderAt(r io.Reader) (*bufferedReaderAt, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &bufferedReaderAt{data: data, r: bytes.NewReader(data)}, nil
}

func (b *bufferedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return b.r.ReadAt(p, off)
}

func (b *bufferedReaderAt) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferedReaderAt) Seek(offset int64, whence int) (int64, error) {
	return b.r.Seek(offset, whence)
}

func (b *bufferedReaderAt) Size() int64 { return int64(len(b.data)) }

var (
	_ io.ReaderAt   = (*bufferedReaderAt)(nil)
	_ io.ReadSeeker = (*bufferedReaderAt)(nil)
)
