package rcnn

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/chewxy/math32"
	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/processing"
	"github.com/okieraised/go-anchor-detector/utils"
	"gorgonia.org/tensor"
)

// LabelParams controls how anchors are split into positive, negative and
// ignored sets.
type LabelParams struct {
	PosThreshold float32
	NegThreshold float32
	Mode         config.TransformMode
	Strategy     config.MatchStrategy
	// NegativesPerPositive > 0 subsamples the negatives to
	// round(NegativesPerPositive * #positives). Zero keeps all of them.
	NegativesPerPositive float32
	Seed                 uint64
}

// NewLabelParams takes the labeling fields from detector params.
func NewLabelParams(p *config.DetectorParams) LabelParams {
	return LabelParams{
		PosThreshold:         p.PosThreshold,
		NegThreshold:         p.NegThreshold,
		Mode:                 p.TransformMode,
		Strategy:             p.MatchStrategy,
		NegativesPerPositive: p.NegativesPerPositive,
		Seed:                 p.Seed,
	}
}

// Assignment is the labeling of a batch of anchors. Anchor indices refer to
// the flattened (B, A, H, W) order. Per-positive slices are aligned with
// Positive, per-negative slices with Negative.
type Assignment struct {
	Positive []int
	Negative []int

	// GTConfScores holds 1 for every positive followed by 0 for every negative.
	GTConfScores []float32
	// GTOffsets holds the encoded (tx, ty, tw, th) regression target of each positive, flattened.
	GTOffsets []float32
	GTClass   []int
	// MatchedGT is the ground-truth row (within its image) each positive regresses to.
	MatchedGT  []int
	MatchedIoU []float32

	PositiveCoords []float32
	NegativeCoords []float32

	// OutOfRangeOffsets counts YOLO targets whose centre offset leaves (-0.5, 0.5).
	OutOfRangeOffsets int
}

func (a *Assignment) NumPositive() int { return len(a.Positive) }
func (a *Assignment) NumNegative() int { return len(a.Negative) }

type forcedMatch struct {
	gt  int
	iou float32
}

// LabelAnchors assigns every anchor of anchors (B, A, H, W, 4) to the
// positive, negative or ignored set given the ground truth bboxes (B, N, 5),
// the cell centres grid (B, H, W, 2) and iouMat (B, A*H*W, N) from
// processing.IoUMatrix.
//
//   - Each ground-truth row with a non-zero best overlap makes one anchor
//     positive: its best-IoU anchor (MatchMaxIoU) or the best-IoU anchor shape
//     in the cell nearest its centre (MatchCenterCell). Ties go to the lowest
//     anchor index. When two rows pick the same anchor, the higher IoU wins
//     and the other row falls back to its best unclaimed overlapping anchor.
//   - Any other anchor whose best IoU exceeds PosThreshold is positive and
//     regresses to its best-IoU row (lowest row on ties).
//   - Anchors whose IoU with every row is below NegThreshold are negative.
//   - All others are ignored.
//
// Padding rows (all -1) overlap nothing, so they never become targets.
func LabelAnchors(anchors, bboxes, grid, iouMat *tensor.Dense, params LabelParams) (*Assignment, error) {
	if err := params.Mode.Validate(); err != nil {
		return nil, err
	}
	if err := params.Strategy.Validate(); err != nil {
		return nil, err
	}
	if err := utils.CheckShape(anchors, "anchors", utils.Any, utils.Any, utils.Any, utils.Any, 4); err != nil {
		return nil, err
	}
	as := anchors.Shape()
	B, A, H, W := as[0], as[1], as[2], as[3]
	if err := utils.CheckShape(bboxes, "bboxes", B, utils.Any, 5); err != nil {
		return nil, err
	}
	N := bboxes.Shape()[1]
	P := A * H * W
	if err := utils.CheckShape(grid, "grid", B, H, W, 2); err != nil {
		return nil, err
	}
	if err := utils.CheckShape(iouMat, "iou matrix", B, P, N); err != nil {
		return nil, err
	}

	ancData, err := utils.Float32Data(anchors)
	if err != nil {
		return nil, err
	}
	gtData, err := utils.Float32Data(bboxes)
	if err != nil {
		return nil, err
	}
	gridData, err := utils.Float32Data(grid)
	if err != nil {
		return nil, err
	}
	iouData, err := utils.Float32Data(iouMat)
	if err != nil {
		return nil, err
	}

	res := &Assignment{}
	for b := range B {
		iou := iouData[b*P*N : (b+1)*P*N]
		gt := gtData[b*N*5 : (b+1)*N*5]

		var forced map[int]forcedMatch
		switch params.Strategy {
		case config.MatchMaxIoU:
			forced = matchMaxIoU(iou, P, N)
		case config.MatchCenterCell:
			forced = matchCenterCell(iou, gt, gridData[b*H*W*2:(b+1)*H*W*2], A, H*W, N)
		}

		for i := range P {
			row := iou[i*N : (i+1)*N]
			bestGT, bestIoU := argMaxRow(row)
			flat := b*P + i
			box := ancData[flat*4 : flat*4+4]

			target, positive := -1, false
			if m, ok := forced[i]; ok {
				target, positive = m.gt, true
			} else if N > 0 && bestIoU > params.PosThreshold {
				target, positive = bestGT, true
			}

			switch {
			case positive:
				gtBox := gt[target*5 : target*5+4]
				offsets := processing.EncodeBox(box, gtBox, params.Mode)
				if params.Mode == config.TransformYOLO &&
					(math32.Abs(offsets[0]) > 0.5 || math32.Abs(offsets[1]) > 0.5) {
					res.OutOfRangeOffsets++
				}
				res.Positive = append(res.Positive, flat)
				res.GTOffsets = append(res.GTOffsets, offsets[:]...)
				res.GTClass = append(res.GTClass, int(gt[target*5+4]))
				res.MatchedGT = append(res.MatchedGT, target)
				res.MatchedIoU = append(res.MatchedIoU, row[target])
				res.PositiveCoords = append(res.PositiveCoords, box...)
			case bestIoU < params.NegThreshold:
				res.Negative = append(res.Negative, flat)
			}
		}
	}

	if params.NegativesPerPositive > 0 {
		res.Negative = sampleNegatives(res.Negative, params.NegativesPerPositive, len(res.Positive), params.Seed)
	}
	for _, flat := range res.Negative {
		res.NegativeCoords = append(res.NegativeCoords, ancData[flat*4:flat*4+4]...)
	}

	res.GTConfScores = make([]float32, len(res.Positive)+len(res.Negative))
	for i := range res.Positive {
		res.GTConfScores[i] = 1
	}

	return res, nil
}

// argMaxRow returns the first index of the largest value. An empty row gives (-1, 0).
func argMaxRow(row []float32) (int, float32) {
	if len(row) == 0 {
		return -1, 0
	}
	best := utils.ArgMax(row)
	return best, row[best]
}

func matchMaxIoU(iou []float32, P, N int) map[int]forcedMatch {
	forced := make(map[int]forcedMatch, N)
	for n := range N {
		bestAnchor, bestIoU := -1, float32(0)
		for i := range P {
			if v := iou[i*N+n]; v > bestIoU {
				bestAnchor, bestIoU = i, v
			}
		}
		claim(forced, bestAnchor, n, bestIoU)
	}
	fillUnmatched(forced, iou, P, N)
	return forced
}

func matchCenterCell(iou, gt, grid []float32, A, cells, N int) map[int]forcedMatch {
	forced := make(map[int]forcedMatch, N)
	for n := range N {
		valid := false
		for i := 0; i < A*cells; i++ {
			if iou[i*N+n] > 0 {
				valid = true
				break
			}
		}
		if !valid {
			continue
		}

		box := gt[n*5 : n*5+4]
		cx, cy := (box[0]+box[2])/2, (box[1]+box[3])/2
		bestCell, bestDist := 0, float32(math.MaxFloat32)
		for c := range cells {
			d := math32.Abs(grid[2*c]-cx) + math32.Abs(grid[2*c+1]-cy)
			if d < bestDist {
				bestCell, bestDist = c, d
			}
		}

		bestAnchor, bestIoU := -1, float32(-1)
		for a := range A {
			i := a*cells + bestCell
			if v := iou[i*N+n]; v > bestIoU {
				bestAnchor, bestIoU = i, v
			}
		}
		claim(forced, bestAnchor, n, bestIoU)
	}
	fillUnmatched(forced, iou, A*cells, N)
	return forced
}

// fillUnmatched gives every overlapping row that lost its anchor to a
// stronger claim the best anchor nobody has claimed yet. A row stays
// unmatched only when all of its overlapping anchors belong to other rows.
func fillUnmatched(forced map[int]forcedMatch, iou []float32, P, N int) {
	owned := make([]bool, N)
	for _, m := range forced {
		owned[m.gt] = true
	}
	for n := range N {
		if owned[n] {
			continue
		}
		bestAnchor, bestIoU := -1, float32(0)
		for i := range P {
			if _, taken := forced[i]; taken {
				continue
			}
			if v := iou[i*N+n]; v > bestIoU {
				bestAnchor, bestIoU = i, v
			}
		}
		if bestAnchor >= 0 {
			forced[bestAnchor] = forcedMatch{gt: n, iou: bestIoU}
			owned[n] = true
		}
	}
}

// claim records that ground-truth row n wants anchor i, keeping the stronger claim.
func claim(forced map[int]forcedMatch, i, n int, iou float32) {
	if i < 0 {
		return
	}
	if prev, ok := forced[i]; ok && prev.iou >= iou {
		return
	}
	forced[i] = forcedMatch{gt: n, iou: iou}
}

func sampleNegatives(negatives []int, ratio float32, numPositive int, seed uint64) []int {
	k := int(math.Round(float64(ratio) * float64(numPositive)))
	if k >= len(negatives) {
		return negatives
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	picked := make([]int, len(negatives))
	copy(picked, negatives)
	for i := 0; i < k; i++ {
		j := i + rng.IntN(len(picked)-i)
		picked[i], picked[j] = picked[j], picked[i]
	}
	picked = picked[:k]
	sort.Ints(picked)
	return picked
}
