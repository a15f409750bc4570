// Copyright © 2019 Marcus Mengs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"fmt"
	"io"

	"github.com/mame82/stdfu/dfu"
	"github.com/schollz/progressbar/v3"
)

var phaseDescription = map[dfu.Phase]string{
	dfu.PhaseErase:  "Erasing  ",
	dfu.PhaseWrite:  "Writing  ",
	dfu.PhaseVerify: "Verifying",
	dfu.PhaseRead:   "Reading  ",
}

// progressPrinter renders one progress bar per phase.
type progressPrinter struct {
	w     io.Writer
	bar   *progressbar.ProgressBar
	phase dfu.Phase
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) Update(pr dfu.Progress) {
	if pr.Phase == dfu.PhaseDone {
		p.finish()
		return
	}
	if p.bar == nil || pr.Phase != p.phase {
		p.finish()
		p.phase = pr.Phase
		p.bar = progressbar.NewOptions(pr.Total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(phaseDescription[pr.Phase]),
			progressbar.OptionShowBytes(true),
		)
	}
	p.bar.Set(pr.Done)
}

// finish completes the current bar and ends its line. It is a no-op on a nil
// printer or when no bar is drawn.
func (p *progressPrinter) finish() {
	if p == nil || p.bar == nil {
		return
	}
	p.bar.Finish()
	fmt.Fprintln(p.w)
	p.bar = nil
}
