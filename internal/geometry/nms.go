package geometry

import "sort"

// IoU returns the intersection over union of two corner-form boxes. Disjoint or
// zero-area boxes give 0.
func IoU(a, b XYXY) float32 {
	areaA, areaB := a.Area(), b.Area()
	if areaA == 0 || areaB == 0 {
		return 0
	}

	ix1 := max(a.X1, b.X1)
	iy1 := max(a.Y1, b.Y1)
	ix2 := min(a.X2, b.X2)
	iy2 := min(a.Y2, b.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	iou := inter / union
	if iou > 1 {
		return 1
	}
	return iou
}

// Suppress runs per-class greedy non-max suppression and returns the indices of
// the kept boxes, highest confidence first. Equal confidences keep input order.
// A box is dropped when an already kept box of the same class overlaps it with
// IoU >= threshold; boxes of different classes never suppress each other.
func Suppress(boxes []XYXY, threshold float32) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return higher(boxes[order[i]].Prob, boxes[order[j]].Prob)
	})

	keep := make([]int, 0, len(boxes))
	for len(order) > 0 {
		current := order[0]
		keep = append(keep, current)

		rest := order[:0]
		for _, idx := range order[1:] {
			if boxes[idx].ClassID == boxes[current].ClassID && IoU(boxes[idx], boxes[current]) >= threshold {
				continue
			}
			rest = append(rest, idx)
		}
		order = rest
	}
	return keep
}

// SuppressBoxes is Suppress returning the kept boxes themselves.
func SuppressBoxes(boxes []XYXY, threshold float32) []XYXY {
	idx := Suppress(boxes, threshold)
	out := make([]XYXY, len(idx))
	for i, k := range idx {
		out[i] = boxes[k]
	}
	return out
}

// higher orders confidences descending with NaN last.
func higher(a, b float32) bool {
	if isNaN(a) {
		return false
	}
	if isNaN(b) {
		return true
	}
	return a > b
}
