package uistate

// ItemsPerPage is the number of profiles shown per page.
const ItemsPerPage = 8

// TotalPages returns the page count for n items, at least 1.
func TotalPages(n int) int {
	return max(1, (n+ItemsPerPage-1)/ItemsPerPage)
}

// Paginate returns the items on the given 1-based page, the page actually
// used after clamping into [1, total], and the total page count.
func Paginate[T any](items []T, page int) ([]T, int, int) {
	total := TotalPages(len(items))
	page = min(max(page, 1), total)

	start := (page - 1) * ItemsPerPage
	end := min(start+ItemsPerPage, len(items))
	return items[start:end], page, total
}
