package loader

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// parseFunc turns one CSV line into a record; false skips the line.
type parseFunc[T any] func(line string) (T, bool)

type parseTask[T any] struct {
	lines  []string
	result chan []T
}

// parseParallel splits r into batches of batchSize lines, parses them on
// workers goroutines and returns the records in input order. At most
// 2*workers batches are held in memory at once.
func parseParallel[T any](ctx context.Context, r io.Reader, batchSize, workers int, parse parseFunc[T]) ([]T, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if workers <= 0 {
		workers = 1
	}
	maxInFlight := 2 * workers

	tasks := make(chan parseTask[T])
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				out := make([]T, 0, len(task.lines))
				for _, line := range task.lines {
					if rec, ok := parse(line); ok {
						out = append(out, rec)
					}
				}
				task.result <- out
			}
		}()
	}
	defer func() {
		close(tasks)
		wg.Wait()
	}()

	var (
		records []T
		pending []chan []T
	)
	drainOne := func() {
		head := pending[0]
		pending = pending[1:]
		records = append(records, <-head...)
	}
	submit := func(lines []string) error {
		if len(pending) >= maxInFlight {
			drainOne()
		}
		task := parseTask[T]{lines: lines, result: make(chan []T, 1)}
		select {
		case tasks <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
		pending = append(pending, task.result)
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	batch := make([]string, 0, batchSize)
	for sc.Scan() {
		batch = append(batch, sc.Text())
		if len(batch) == batchSize {
			if err := submit(batch); err != nil {
				return nil, err
			}
			batch = make([]string, 0, batchSize)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		if err := submit(batch); err != nil {
			return nil, err
		}
	}
	for len(pending) > 0 {
		drainOne()
	}
	if records == nil {
		records = make([]T, 0)
	}
	return records, nil
}
