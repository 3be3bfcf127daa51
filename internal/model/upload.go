package model

import (
	"sort"
	"time"
)

// ByteRange is a half-open interval [Start, End) of received bytes.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered.
func (r ByteRange) Len() int64 { return r.End - r.Start }

// UploadSession tracks a resumable transfer. ReceivedBytes always equals the
// total length of Ranges and never exceeds DeclaredTotalBytes.
type UploadSession struct {
	ID                 string      `json:"id"`
	OwnerID            string      `json:"ownerId"`
	TargetFolderID     string      `json:"folderId"`
	TargetFileID       string      `json:"fileId,omitempty"`
	FileName           string      `json:"fileName"`
	DeclaredTotalBytes int64       `json:"bytesTotal"`
	ReceivedBytes      int64       `json:"bytesUploaded"`
	ChunkSize          int64       `json:"chunkSize"`
	UseChunks          bool        `json:"useChunks"`
	Encrypted          bool        `json:"encrypted"`
	Ranges             []ByteRange `json:"ranges,omitempty"`
	// Finalizing is set while a Finalize call commits the session.
	Finalizing         bool        `json:"finalizing,omitempty"`
	CreatedAt          time.Time   `json:"created"`
	ExpiresAt          time.Time   `json:"expired"`
}

// IsComplete reports whether every declared byte has been received.
func (s *UploadSession) IsComplete() bool {
	return s.ReceivedBytes == s.DeclaredTotalBytes
}

// Expired reports whether the session is past its lifetime at now.
func (s *UploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so stores never share range slices with callers.
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.Ranges = append([]ByteRange(nil), s.Ranges...)
	return &c
}

// NextOffset is where the next sequential chunk starts.
func (s *UploadSession) NextOffset() int64 {
	if len(s.Ranges) == 0 {
		return 0
	}
	return s.Ranges[len(s.Ranges)-1].End
}

// Covered reports how many bytes of r are already held by the session.
func (s *UploadSession) Covered(r ByteRange) int64 {
	var n int64
	for _, have := range s.Ranges {
		lo, hi := max(have.Start, r.Start), min(have.End, r.End)
		if hi > lo {
			n += hi - lo
		}
	}
	return n
}

// AddRange merges r into the session ranges and recomputes ReceivedBytes,
// so a byte range delivered twice is counted once.
func (s *UploadSession) AddRange(r ByteRange) {
	if r.Len() <= 0 {
		return
	}
	ranges := append(s.Ranges, r)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	merged := ranges[:0:0]
	for _, cur := range ranges {
		if n := len(merged); n > 0 && cur.Start <= merged[n-1].End {
			if cur.End > merged[n-1].End {
				merged[n-1].End = cur.End
			}
			continue
		}
		merged = append(merged, cur)
	}
	s.Ranges = merged
	var total int64
	for _, m := range merged {
		total += m.Len()
	}
	s.ReceivedBytes = total
}
