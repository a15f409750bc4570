package dfu

import "fmt"

// ErasePage identifies one flash page by sector and page index.
type ErasePage struct {
	Sector  int
	Page    int
	Address uint32
	Size    uint32
}

// ErasePlan is either a chip erase or a list of pages in ascending address
// order, each listed once.
type ErasePlan struct {
	ChipErase bool
	Pages     []ErasePage
}

// Bytes is the amount of flash the plan erases; zero for a chip erase.
func (p *ErasePlan) Bytes() (n uint64) {
	for _, pg := range p.Pages {
		n += uint64(pg.Size)
	}
	return n
}

func (p *ErasePlan) String() string {
	if p.ChipErase {
		return "full chip erase"
	}
	return fmt.Sprintf("%d pages (%d KiB)", len(p.Pages), p.Bytes()/1024)
}

// PlanErase selects the pages of layout touched by any block of img. Blocks
// and pages are sized independently, so a page qualifies on any overlap of
// the half-open ranges [start, end).
func PlanErase(img *MemoryImage, layout *FlashLayout, fullChip bool) *ErasePlan {
	if fullChip {
		return &ErasePlan{ChipErase: true}
	}

	plan := &ErasePlan{}
	for si := range layout.Sectors {
		sector := &layout.Sectors[si]
		for pi := 0; pi < int(sector.NumPages); pi++ {
			pageStart := uint64(sector.PageAddress(pi))
			pageEnd := pageStart + uint64(sector.PageSize)
			for bi := range img.Blocks {
				blkStart := uint64(img.Blocks[bi].Address)
				blkEnd := blkStart + uint64(len(img.Blocks[bi].Data))
				if blkStart < pageEnd && blkEnd > pageStart {
					plan.Pages = append(plan.Pages, ErasePage{
						Sector:  si,
						Page:    pi,
						Address: uint32(pageStart),
						Size:    sector.PageSize,
					})
					break
				}
			}
		}
	}
	return plan
}
