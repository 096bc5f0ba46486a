package printorder

import "storyforge/internal/models"

// Interior layout: one title page, an optional dedication page, a fixed
// number of pages per chapter depending on its image layout, and one end page.
const (
	titlePages   = 1
	endPages     = 1
	chapterPages = 2
)

// layoutExtraPages maps a chapter image layout to the pages it adds on top of
// the chapter base. Unknown layouts render as standard.
var layoutExtraPages = map[string]int{
	models.LayoutStandard:  0,
	models.LayoutFullScene: 1,
}

// CalculatePageCount derives the interior page count of a book from its
// content. The dedication page only exists when the user actually wrote one;
// the untouched placeholder doesn't count.
func CalculatePageCount(book *models.PersonalizedBook) int {
	pages := titlePages

	if book.Dedication != "" && book.Dedication != models.DedicationPlaceholder {
		pages++
	}

	for _, chapter := range book.Chapters {
		pages += chapterPages
		extra, ok := layoutExtraPages[chapter.ImageLayout]
		if !ok {
			extra = layoutExtraPages[models.LayoutStandard]
		}
		pages += extra
	}

	return pages + endPages
}

// FitsServiceOption reports whether a page count is printable with the given
// service option's binding constraints.
func FitsServiceOption(pageCount int, option *models.ServiceOption) bool {
	return pageCount >= option.MinPages && pageCount <= option.MaxPages
}
