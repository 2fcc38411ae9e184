package progress

import (
	"errors"
	"io"
)

// Reader wraps an io.Reader and reports the running byte count via a callback.
// The count starts at offset so resumed transfers report absolute positions.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)

	totalRead      int64 // absolute position, offset included
	lastReport     int64 // bytes since last report
	lastPercent    int64
	reportInterval int64 // bytes
}

// NewReader returns a Reader that reports at least every interval bytes and every
// time the percentage of total advances. A total <= 0 means the size is unknown.
func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	pr := &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		totalRead:      offset,
		reportInterval: interval,
	}
	pr.lastPercent = pr.percent()

	return pr
}

// Written returns the absolute number of bytes seen so far.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		percent := pr.percent()
		if pr.lastReport >= pr.reportInterval || percent > pr.lastPercent {
			pr.report(percent)
		}
	}

	if errors.Is(err, io.EOF) && pr.lastReport > 0 {
		pr.report(pr.percent())
	}

	return n, err
}

func (pr *Reader) report(percent int64) {
	pr.lastReport = 0
	pr.lastPercent = percent

	if pr.OnProgress != nil {
		pr.OnProgress(pr.totalRead, pr.Total)
	}
}

func (pr *Reader) percent() int64 {
	if pr.Total <= 0 {
		return 0
	}

	return pr.totalRead * 100 / pr.Total
}
