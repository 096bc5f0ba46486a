package printorder

import (
	"testing"

	"storyforge/internal/models"

	"github.com/stretchr/testify/assert"
)

func bookWithChapters(dedication string, layouts ...string) *models.PersonalizedBook {
	chapters := make([]models.Chapter, 0, len(layouts))
	for _, layout := range layouts {
		chapters = append(chapters, models.Chapter{Title: "Chapter", Text: "...", ImageLayout: layout})
	}
	return &models.PersonalizedBook{Dedication: dedication, Chapters: chapters}
}

func TestCalculatePageCount(t *testing.T) {
	tests := []struct {
		name string
		book *models.PersonalizedBook
		want int
	}{
		{
			name: "three chapters one full scene no dedication",
			book: bookWithChapters("", models.LayoutStandard, models.LayoutFullScene, models.LayoutStandard),
			want: 9, // title + 2 + 3 + 2 + end
		},
		{
			name: "dedication adds a page",
			book: bookWithChapters("For Mia, who loves dragons", models.LayoutStandard),
			want: 5,
		},
		{
			name: "placeholder dedication does not count",
			book: bookWithChapters(models.DedicationPlaceholder, models.LayoutStandard),
			want: 4,
		},
		{
			name: "unknown layout falls back to standard",
			book: bookWithChapters("", "panorama"),
			want: 4,
		},
		{
			name: "no chapters",
			book: bookWithChapters(""),
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculatePageCount(tt.book))
		})
	}
}

func TestFitsServiceOption(t *testing.T) {
	option := &models.ServiceOption{MinPages: 24, MaxPages: 48}

	assert.False(t, FitsServiceOption(23, option))
	assert.True(t, FitsServiceOption(24, option))
	assert.True(t, FitsServiceOption(48, option))
	assert.False(t, FitsServiceOption(49, option))
}
