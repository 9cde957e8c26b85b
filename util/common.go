package util

// SliceDiff returns the elements in slice `x` that are not in slice `y`
func SliceDiff(x, y []string) []string {
	mapY := make(map[string]struct{}, len(y))
	for _, val := range y {
		mapY[val] = struct{}{}
	}
	var diff []string
	for _, val := range x {
		if _, found := mapY[val]; !found {
			diff = append(diff, val)
		}
	}
	return diff
}

// SliceIntersect returns the elements of `x` that are also in `y`, keeping the order of `x`
func SliceIntersect(x, y []string) []string {
	mapY := make(map[string]struct{}, len(y))
	for _, val := range y {
		mapY[val] = struct{}{}
	}
	res := make([]string, 0, len(x))
	for _, val := range x {
		if _, found := mapY[val]; found {
			res = append(res, val)
		}
	}
	return res
}

// Contains checks if a slice of strings contains a specific string.
func Contains(slice []string, str string) bool {
	for _, item := range slice {
		if item == str {
			return true
		}
	}
	return false
}
