package subtask

// Values extracts values from successful results.
func Values[T any](results []Result[T]) []T {
	values := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			values = append(values, r.Value)
		}
	}
	return values
}

// Partition splits results into successes and failures.
func Partition[T any](results []Result[T]) ([]T, []error) {
	successes := make([]T, 0)
	failures := make([]error, 0)
	for _, r := range results {
		if r.Err == nil {
			successes = append(successes, r.Value)
		} else {
			failures = append(failures, r.Err)
		}
	}
	return successes, failures
}

// ByKey indexes successful results by subtask key.
func ByKey[T any](results []Result[T]) map[string]T {
	m := make(map[string]T, len(results))
	for _, r := range results {
		if r.Err == nil {
			m[r.Key] = r.Value
		}
	}
	return m
}

// AllSucceeded reports whether every result succeeded.
func AllSucceeded[T any](results []Result[T]) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}
