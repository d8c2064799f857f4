package utils

func StringSliceContains(slice []string, target string) bool {
	for _, v := range slice {
		if v == target {
			return true
		}
	}
	return false
}

func MergeMap(acc map[string]interface{}, in map[string]interface{}) map[string]interface{} {
	for k, v := range in {
		acc[k] = v
	}
	return acc
}
