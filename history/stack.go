// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

// boundedStack is a fixed-capacity LIFO over a ring buffer.
//
// Push is O(1); when full, the OLDEST entry is overwritten rather than
// the push being rejected, which is exactly the eviction rule an undo
// stack needs.
//
// Thread Safety: NOT safe for concurrent use; History synchronizes.
type boundedStack[T any] struct {
	data  []T
	head  int // Next write position
	count int
}

func newBoundedStack[T any](capacity int) *boundedStack[T] {
	if capacity <= 0 {
		capacity = DefaultDepth
	}
	return &boundedStack[T]{data: make([]T, capacity)}
}

// push adds an item, evicting the oldest entry when at capacity.
func (s *boundedStack[T]) push(item T) {
	s.data[s.head] = item
	s.head = (s.head + 1) % len(s.data)
	if s.count < len(s.data) {
		s.count++
	}
}

// pop removes and returns the most recent item.
func (s *boundedStack[T]) pop() (T, bool) {
	var zero T
	if s.count == 0 {
		return zero, false
	}
	s.head = (s.head - 1 + len(s.data)) % len(s.data)
	item := s.data[s.head]
	s.data[s.head] = zero // Release the reference for GC.
	s.count--
	return item, true
}

// peek returns the most recent item without removing it.
func (s *boundedStack[T]) peek() (T, bool) {
	var zero T
	if s.count == 0 {
		return zero, false
	}
	return s.data[(s.head-1+len(s.data))%len(s.data)], true
}

func (s *boundedStack[T]) len() int { return s.count }

func (s *boundedStack[T]) clear() {
	var zero T
	for i := range s.data {
		s.data[i] = zero
	}
	s.head = 0
	s.count = 0
}
