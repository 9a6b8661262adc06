package store

import (
	"context"

	"concord/pkg/types"
)

const defaultPageSize = 256

// pageFunc loads up to limit records of one room with position > after, in
// position order.
type pageFunc func(ctx context.Context, after Position, limit int) ([]Record, error)

// Iterator walks a room's events in stream order one page at a time. It is
// not safe for concurrent use.
type Iterator struct {
	ctx      context.Context
	page     pageFunc
	from     []types.EventID
	src      getter
	pageSize int

	excluded map[types.EventID]struct{}
	buf      []Record
	cur      Record
	cursor   Position
	done     bool
	err      error
}

func newIterator(ctx context.Context, src getter, from []types.EventID, cursor Position, page pageFunc) *Iterator {
	return &Iterator{
		ctx:      ctx,
		page:     page,
		from:     from,
		src:      src,
		pageSize: defaultPageSize,
		cursor:   cursor,
	}
}

// errIterator returns an iterator that yields nothing and reports err.
func errIterator(err error) *Iterator {
	return &Iterator{done: true, err: err}
}

// Next advances to the next record. It returns false when the room is
// exhausted or an error occurred.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.excluded == nil {
		excluded, err := ancestorSet(it.ctx, it.src, it.from)
		if err != nil {
			it.err = err
			return false
		}
		it.excluded = excluded
	}

	for {
		if len(it.buf) == 0 {
			if it.done {
				return false
			}
			if err := it.ctx.Err(); err != nil {
				it.err = err
				return false
			}
			page, err := it.page(it.ctx, it.cursor, it.pageSize)
			if err != nil {
				it.err = err
				return false
			}
			if len(page) < it.pageSize {
				it.done = true
			}
			if len(page) == 0 {
				return false
			}
			it.buf = page
		}

		rec := it.buf[0]
		it.buf = it.buf[1:]
		it.cursor = rec.Position
		if _, skip := it.excluded[rec.Event.EventID]; skip {
			continue
		}
		it.cur = rec
		return true
	}
}

// Record returns the current record.
func (it *Iterator) Record() Record {
	return it.cur
}

// Cursor is the position of the last record consumed. Passing it back to
// EventsSince resumes after that record.
func (it *Iterator) Cursor() Position {
	return it.cursor
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Collect drains the iterator.
func Collect(it *Iterator) ([]Record, error) {
	var out []Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}
