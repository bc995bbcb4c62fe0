package es

import "log/slog"

// Version is the per-aggregate stream version. It is monotonically
// increasing and contiguous, starting at 1 for the first event. Version is
// the basis for optimistic concurrency control: an append states the
// version it expects the stream to be at, and fails on mismatch.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
