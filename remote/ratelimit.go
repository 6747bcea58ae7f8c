// remote/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker, with the budgets kept per Limiter.

package remote

import (
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter limits the bandwidth used for transfers to and from a target.
// A nil *Limiter doesn't limit anything.
type Limiter struct {
	uploadPerSec, downloadPerSec int

	// Number of bytes that may currently be transferred in each
	// direction. Readers reduce them as data passes through and they're
	// replenished periodically.
	mu                     sync.Mutex
	cond                   *sync.Cond
	availableUploadBytes   int
	availableDownloadBytes int

	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

// NewLimiter returns a Limiter for the given rates; zero means unlimited.
// If both are zero, it returns nil.
func NewLimiter(uploadBytesPerSecond, downloadBytesPerSecond int) *Limiter {
	if uploadBytesPerSecond <= 0 && downloadBytesPerSecond <= 0 {
		return nil
	}
	l := &Limiter{
		uploadPerSec:   uploadBytesPerSecond,
		downloadPerSec: downloadBytesPerSecond,
		// 1/8th of a second
		ticker: time.NewTicker(125 * time.Millisecond),
		stop:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.replenish()
	return l
}

func (l *Limiter) replenish() {
	for {
		select {
		case <-l.ticker.C:
		case <-l.stop:
			l.ticker.Stop()
			return
		}

		l.mu.Lock()
		// Release 1/8th of the per-second limit every 8th of a second.
		// The 94/100 factor in the amount released adds some slop to
		// account for TCP/IP overhead and HTTP headers in an effort to
		// have the actual bandwidth used not exceed the desired limit.
		l.availableUploadBytes += l.uploadPerSec * 94 / 100 / 8
		if l.availableUploadBytes > l.uploadPerSec {
			// Don't ever queue up more than one second's worth of
			// transmission.
			l.availableUploadBytes = l.uploadPerSec
		}
		l.availableDownloadBytes += l.downloadPerSec * 94 / 100 / 8
		if l.availableDownloadBytes > l.downloadPerSec {
			l.availableDownloadBytes = l.downloadPerSec
		}

		// Wake up any readers that are waiting for more bandwidth now that
		// we've doled some more out.
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// Stop releases the Limiter's background goroutine. Readers blocked
// waiting for bandwidth are released without limit.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		close(l.stop)
		l.mu.Lock()
		l.uploadPerSec, l.downloadPerSec = 0, 0
		l.cond.Broadcast()
		l.mu.Unlock()
	})
}

// rateLimitedReader is an io.Reader implementation that returns no more
// bytes than the current value of *availableBytes.
type rateLimitedReader struct {
	R              io.Reader
	l              *Limiter
	availableBytes *int
	limit          *int
}

func (l *Limiter) limited(rate *int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *rate > 0
}

func (l *Limiter) UploadReader(r io.Reader) io.Reader {
	if l == nil || !l.limited(&l.uploadPerSec) {
		return r
	}
	return rateLimitedReader{R: r, l: l, availableBytes: &l.availableUploadBytes,
		limit: &l.uploadPerSec}
}

func (l *Limiter) DownloadReader(r io.Reader) io.Reader {
	if l == nil || !l.limited(&l.downloadPerSec) {
		return r
	}
	return rateLimitedReader{R: r, l: l, availableBytes: &l.availableDownloadBytes,
		limit: &l.downloadPerSec}
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	// Loop until some amount of bandwidth is available.
	lr.l.mu.Lock()
	for *lr.availableBytes <= 0 && *lr.limit > 0 {
		// Wait for the goroutine that periodically doles out more
		// bandwidth to do its thing.
		lr.l.cond.Wait()
	}

	n := len(dst)
	reserved := *lr.limit > 0
	if reserved {
		// Don't do more than we're allowed to.
		if n > *lr.availableBytes {
			n = *lr.availableBytes
		}
		*lr.availableBytes -= n
	}
	lr.l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if reserved && read < n {
		// Give back the bandwidth that we reserved but didn't use.
		lr.l.mu.Lock()
		*lr.availableBytes += n - read
		lr.l.mu.Unlock()
	}
	return read, err
}
