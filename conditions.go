package binstore

import "time"

// applyWrite checks req against the current record (nil when absent or
// expired) and returns the record that results from the write. Backends call
// it while holding whatever makes the check and the store atomic.
func applyWrite(cur *Record, req WriteRequest, now time.Time) (*Record, error) {
	exists := cur != nil
	switch req.Exists {
	case ExistsCreateOnly:
		if exists {
			return nil, ErrAlreadyExists
		}
	case ExistsUpdateOnly:
		if !exists {
			return nil, ErrNotFound
		}
	}

	switch req.Generation {
	case GenerationEqual:
		actual := int64(0)
		if exists {
			actual = cur.Generation
		}
		if actual != req.ExpectedGeneration {
			return nil, &GenerationError{Expected: req.ExpectedGeneration, Actual: actual}
		}
	case GenerationEqualIfExists:
		if exists && cur.Generation != req.ExpectedGeneration {
			return nil, &GenerationError{Expected: req.ExpectedGeneration, Actual: cur.Generation}
		}
	}

	next := &Record{Key: req.Key, Generation: 1, LastUpdate: now}
	if exists {
		next.Generation = cur.Generation + 1
	}
	if req.Mode == WriteMerge && exists && cur.Bins != nil {
		next.Bins = cloneBins(cur.Bins)
	} else {
		next.Bins = make(map[string]any, len(req.Bins))
	}
	for name, v := range req.Bins {
		if v == nil {
			delete(next.Bins, name)
			continue
		}
		next.Bins[name] = cloneValue(v)
	}
	if req.TTL > 0 {
		next.VoidTime = now.Add(req.TTL)
	}
	return next, nil
}

// checkDelete reports whether cur (nil when absent) should be removed.
func checkDelete(cur *Record, req DeleteRequest) (bool, error) {
	if cur == nil {
		return false, nil
	}
	if req.Generation != GenerationNone && cur.Generation != req.ExpectedGeneration {
		return false, &GenerationError{Expected: req.ExpectedGeneration, Actual: cur.Generation}
	}
	return true, nil
}

func validateWrite(req WriteRequest) error {
	if err := req.Key.validate(); err != nil {
		return err
	}
	for name := range req.Bins {
		if name == "" {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"key":    req.Key.String(),
				"reason": "bin names must not be empty",
			})
		}
	}
	return nil
}
