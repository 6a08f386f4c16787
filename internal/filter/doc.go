// Package filter builds the fast rough filter of sealed segments and blocks.
//
// A FastRoughFilter keeps, per column, the min/max of numeric values and a
// Bloom filter of the raw value bytes. Queries use it to skip a block or a
// whole segment:
//
//   - MayContain false: the value is definitely absent
//   - MayOverlap false: no value of the column falls in [lo, hi]
//
// Block filters are built concurrently (BuildSegment) and merged into the
// segment filter. Filters serialize to a compact binary blob that is attached
// to the delta operations of a sealed segment.
package filter
