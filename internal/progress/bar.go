package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Bar renders progress messages as a terminal progress bar. The bar is sized
// by the first KindTotal message; each job message advances it by one.
type Bar struct {
	mtx sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

// NewBar returns a Bar writing to w.
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

// Send updates the bar.
func (b *Bar) Send(msg Message) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	switch msg.Kind {
	case KindTotal:
		b.bar = progressbar.NewOptions(msg.Total,
			progressbar.OptionSetWriter(b.w),
			progressbar.OptionSetDescription("Compressing images"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "#",
				SaucerPadding: "-",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	case KindJobDone, KindJobFailed:
		if b.bar == nil {
			return nil
		}
		return b.bar.Add(1)
	case KindComplete:
		if b.bar == nil {
			return nil
		}
		if err := b.bar.Finish(); err != nil {
			return err
		}
		_, err := fmt.Fprintln(b.w)
		return err
	default:
		_, err := fmt.Fprintln(b.w, msg.Text)
		return err
	}
	return nil
}
