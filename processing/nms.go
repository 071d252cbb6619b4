package processing

import (
	"sync"

	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// NMS performs greedy non-maximum suppression over boxes (N, 4) with scores (N).
//
// Boxes are visited in order of decreasing score, ties broken by index. Each
// visited box that has not been suppressed is kept and suppresses every
// remaining box whose IoU with it is strictly greater than iouThreshold. The
// kept indices are returned in visiting order. topk <= 0 keeps every box that
// survives; otherwise at most topk indices are returned.
func NMS(boxes, scores *tensor.Dense, iouThreshold float32, topk int) ([]int, error) {
	if err := utils.CheckShape(boxes, "boxes", utils.Any, 4); err != nil {
		return nil, err
	}
	if err := utils.CheckShape(scores, "scores", utils.Any); err != nil {
		return nil, err
	}
	if boxes.Shape()[0] != scores.Shape()[0] {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "%d boxes but %d scores", boxes.Shape()[0], scores.Shape()[0])
	}
	if boxes.Shape()[0] == 0 {
		return []int{}, nil
	}

	boxData, err := utils.Float32Data(boxes)
	if err != nil {
		return nil, err
	}
	scoreData, err := utils.Float32Data(scores)
	if err != nil {
		return nil, err
	}

	return nmsFloat32s(boxData, scoreData, iouThreshold, topk), nil
}

// NMSFloat32s is NMS over a flat (N*4) box slice and its N scores.
func NMSFloat32s(boxes, scores []float32, iouThreshold float32, topk int) ([]int, error) {
	if len(boxes) != 4*len(scores) {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "%d box values for %d scores", len(boxes), len(scores))
	}
	return nmsFloat32s(boxes, scores, iouThreshold, topk), nil
}

func nmsFloat32s(boxes, scores []float32, iouThreshold float32, topk int) []int {
	order := utils.ArgSortFloat32sDescending(scores)
	suppressed := make([]bool, len(scores))
	keep := make([]int, 0, len(scores))

	for pos, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		if topk > 0 && len(keep) >= topk {
			break
		}

		overlaps := IoUOneToMany(boxes[4*i:4*i+4], boxes)
		for _, j := range order[pos+1:] {
			if overlaps[j] > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return keep
}

// BatchedNMS runs NMS independently for every image of a batch. boxes[b] holds
// the flat (N_b*4) boxes of image b and scores[b] its N_b scores. Images are
// processed by up to numWorkers goroutines; the result keeps input order.
func BatchedNMS(boxes, scores [][]float32, iouThreshold float32, topk, numWorkers int) ([][]int, error) {
	if len(boxes) != len(scores) {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "%d box sets but %d score sets", len(boxes), len(scores))
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	keeps := make([][]int, len(boxes))
	errs := make([]error, len(boxes))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				keeps[b], errs[b] = NMSFloat32s(boxes[b], scores[b], iouThreshold, topk)
			}
		}()
	}
	for b := range boxes {
		jobs <- b
	}
	close(jobs)
	wg.Wait()

	for b, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", b)
		}
	}
	return keeps, nil
}
