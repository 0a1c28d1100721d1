package segment

import (
	"fmt"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

// Config controls receipt segmentation. The defaults were tuned against
// phone-camera scans of A4 pages; the area threshold in particular does not
// generalize to arbitrary resolutions, which is why it is configurable.
type Config struct {
	// MinContourArea is the minimum contour area, in pixels, for a
	// quadrilateral to count as a receipt candidate.
	MinContourArea float64
	// GridRows and GridCols define the fixed grid partition used when no
	// candidate contour is found.
	GridRows int
	GridCols int
}

// DefaultConfig returns the tuned segmentation defaults.
func DefaultConfig() Config {
	return Config{
		MinContourArea: 50000,
		GridRows:       2,
		GridCols:       3,
	}
}

const (
	maxContours    = 10
	minAspectRatio = 0.2
	maxAspectRatio = 5.0
)

// Segmenter isolates individual receipt regions from a scanned page image.
type Segmenter struct {
	cfg Config
}

// New creates a Segmenter, falling back to defaults for zero-valued
// settings.
func New(cfg Config) *Segmenter {
	def := DefaultConfig()
	if cfg.MinContourArea <= 0 {
		cfg.MinContourArea = def.MinContourArea
	}
	if cfg.GridRows <= 0 {
		cfg.GridRows = def.GridRows
	}
	if cfg.GridCols <= 0 {
		cfg.GridCols = def.GridCols
	}
	return &Segmenter{cfg: cfg}
}

type candidate struct {
	corners []image.Point
	rect    image.Rectangle
	area    float64
	order   int
}

// Segment produces one cropped PNG per receipt region found on the page,
// largest first. When no region qualifies it partitions the whole page
// into a fixed grid, so the result is never empty for a decodable page.
func (s *Segmenter) Segment(pagePNG []byte) ([][]byte, error) {
	img, err := gocv.IMDecode(pagePNG, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decoding page image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("decoding page image: empty image")
	}

	candidates := s.findCandidates(img)
	if len(candidates) == 0 {
		return s.gridPartition(img)
	}

	subs := make([][]byte, 0, len(candidates))
	for _, cand := range candidates {
		sub, err := s.cropCandidate(img, cand)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// findCandidates runs the contour pipeline and returns accepted receipt
// regions in descending area order, ties kept in discovery order.
func (s *Segmenter) findCandidates(img gocv.Mat) []candidate {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, 75, 200)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	type contourInfo struct {
		index int
		area  float64
	}
	infos := make([]contourInfo, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		infos = append(infos, contourInfo{index: i, area: gocv.ContourArea(contours.At(i))})
	}
	sort.SliceStable(infos, func(a, b int) bool { return infos[a].area > infos[b].area })
	if len(infos) > maxContours {
		infos = infos[:maxContours]
	}

	var candidates []candidate
	for order, info := range infos {
		contour := contours.At(info.index)

		peri := gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, 0.02*peri, true)
		corners := approx.ToPoints()
		approx.Close()

		if len(corners) != 4 || info.area <= s.cfg.MinContourArea {
			continue
		}

		rect := gocv.BoundingRect(contour)
		aspect := float64(rect.Dx()) / float64(rect.Dy())
		if aspect < minAspectRatio || aspect > maxAspectRatio {
			continue
		}

		candidates = append(candidates, candidate{
			corners: corners,
			rect:    rect,
			area:    info.area,
			order:   order,
		})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].area > candidates[b].area
	})

	return candidates
}

// cropCandidate extracts one receipt region, un-skewing it with a
// perspective transform when the four corner points produce a usable
// output size, otherwise falling back to the plain bounding-box crop.
func (s *Segmenter) cropCandidate(img gocv.Mat, cand candidate) ([]byte, error) {
	if warped, ok := warpQuad(img, cand.corners); ok {
		defer warped.Close()
		return encodePNG(warped)
	}

	region := img.Region(cand.rect)
	defer region.Close()
	crop := region.Clone()
	defer crop.Close()

	return encodePNG(crop)
}

// warpQuad applies a perspective transform mapping the quadrilateral onto
// an axis-aligned rectangle. Returns ok=false when the computed output
// dimensions are non-positive.
func warpQuad(img gocv.Mat, corners []image.Point) (gocv.Mat, bool) {
	tl, tr, br, bl := orderCorners(corners)

	width := int(math.Max(distance(br, bl), distance(tr, tl)))
	height := int(math.Max(distance(tr, br), distance(tl, bl)))
	if width <= 0 || height <= 0 {
		return gocv.Mat{}, false
	}

	src := gocv.NewPointVectorFromPoints([]image.Point{tl, tr, br, bl})
	defer src.Close()
	dst := gocv.NewPointVectorFromPoints([]image.Point{
		{0, 0},
		{width - 1, 0},
		{width - 1, height - 1},
		{0, height - 1},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform(src, dst)
	defer m.Close()

	warped := gocv.NewMat()
	gocv.WarpPerspective(img, &warped, m, image.Pt(width, height))

	return warped, true
}

// orderCorners arranges four points as top-left, top-right, bottom-right,
// bottom-left. The coordinate sum identifies the top-left (smallest) and
// bottom-right (largest); the y-x difference identifies the top-right
// (smallest) and bottom-left (largest).
func orderCorners(corners []image.Point) (tl, tr, br, bl image.Point) {
	tl, tr, br, bl = corners[0], corners[0], corners[0], corners[0]
	for _, p := range corners {
		sum := p.X + p.Y
		diff := p.Y - p.X
		if sum < tl.X+tl.Y {
			tl = p
		}
		if sum > br.X+br.Y {
			br = p
		}
		if diff < tr.Y-tr.X {
			tr = p
		}
		if diff > bl.Y-bl.X {
			bl = p
		}
	}
	return tl, tr, br, bl
}

func distance(a, b image.Point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// gridPartition splits the page into a fixed grid, row-major, so a page
// with no detectable receipt outline still yields sub-images.
func (s *Segmenter) gridPartition(img gocv.Mat) ([][]byte, error) {
	rows, cols := s.cfg.GridRows, s.cfg.GridCols
	cellW := img.Cols() / cols
	cellH := img.Rows() / rows
	if cellW == 0 || cellH == 0 {
		// Page smaller than the grid, return it whole.
		whole := img.Clone()
		defer whole.Close()
		sub, err := encodePNG(whole)
		if err != nil {
			return nil, err
		}
		return [][]byte{sub}, nil
	}

	subs := make([][]byte, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			rect := image.Rect(c*cellW, r*cellH, (c+1)*cellW, (r+1)*cellH)
			region := img.Region(rect)
			crop := region.Clone()
			region.Close()

			sub, err := encodePNG(crop)
			crop.Close()
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
	}

	return subs, nil
}

func encodePNG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("encoding sub-image: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}
