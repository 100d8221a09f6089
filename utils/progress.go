package utils

import (
	"io"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
)

// NewProgress returns a count bar for a pass over total items. The bar is
// hidden when show is false or FUZZYCOLLECTOR_DISABLE_PROGRESS is set.
func NewProgress(total int, description string, show bool) *progressbar.ProgressBar {
	visible := show && progressVisible()
	opts := []progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionFullWidth(),
		progressbar.OptionClearOnFinish(),
	}
	if !visible {
		opts = append(opts, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions(total, opts...)
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("FUZZYCOLLECTOR_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
