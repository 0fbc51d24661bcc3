package util

func InPlaceFilter[T any](s *[]T, p func(T) bool) {
	i := 0
	for _, e := range *s {
		if p(e) {
			(*s)[i] = e
			i++
		}
	}
	*s = (*s)[:i]
}

// Unique returns the distinct non-zero values of s in first-seen order.
func Unique[T comparable](s []T) []T {
	var zero T
	seen := make(map[T]bool, len(s))
	var list []T

	for _, item := range s {
		if item == zero || seen[item] {
			continue
		}
		seen[item] = true
		list = append(list, item)
	}

	return list
}
