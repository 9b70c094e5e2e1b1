package array

func Map[T1, T2 any](array []T1, mapper func(T1) T2) []T2 {
	result := make([]T2, len(array))
	for i, elem := range array {
		result[i] = mapper(elem)
	}
	return result
}

func Contains[T comparable](array []T, target T) bool {
	for _, elem := range array {
		if elem == target {
			return true
		}
	}
	return false
}

// Returns the elements that satisfy the predicate, keeping their order.
func Filter[T any](array []T, predicate func(T) bool) []T {
	result := make([]T, 0, len(array))
	for _, elem := range array {
		if predicate(elem) {
			result = append(result, elem)
		}
	}
	return result
}

// Returns a set of the elements. Duplicates collapse into one key.
func ToSet[T comparable](array []T) map[T]struct{} {
	set := make(map[T]struct{}, len(array))
	for _, elem := range array {
		set[elem] = struct{}{}
	}
	return set
}

// Returns the elements with duplicates removed, keeping the first occurrence.
func Unique[T comparable](array []T) []T {
	seen := make(map[T]struct{}, len(array))
	result := make([]T, 0, len(array))
	for _, elem := range array {
		if _, ok := seen[elem]; ok {
			continue
		}
		seen[elem] = struct{}{}
		result = append(result, elem)
	}
	return result
}
