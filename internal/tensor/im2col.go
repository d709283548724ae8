package tensor

import (
	"gonum.org/v1/gonum/mat"
)

// ConvGeometry describes a strided convolution over a single
// [channels, height, width] sample.
type ConvGeometry struct {
	Channels int
	Height   int
	Width    int
	Kernel   int
	Stride   int
	Padding  int
}

// OutSize returns the spatial size produced by the convolution
func (g ConvGeometry) OutSize() (int, int) {
	oh := (g.Height+2*g.Padding-g.Kernel)/g.Stride + 1
	ow := (g.Width+2*g.Padding-g.Kernel)/g.Stride + 1
	return oh, ow
}

// ColRows is the number of rows of the column matrix (channels * k * k)
func (g ConvGeometry) ColRows() int {
	return g.Channels * g.Kernel * g.Kernel
}

// ColCols is the number of columns of the column matrix (oh * ow)
func (g ConvGeometry) ColCols() int {
	oh, ow := g.OutSize()
	return oh * ow
}

// Im2Col unfolds the receptive fields of src into col, a
// ColRows x ColCols row-major matrix. Out-of-bounds (padding) positions are 0.
func Im2Col(src []float64, g ConvGeometry, col []float64) {
	oh, ow := g.OutSize()
	k := g.Kernel
	cols := oh * ow
	for c := 0; c < g.Channels; c++ {
		plane := src[c*g.Height*g.Width : (c+1)*g.Height*g.Width]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := col[((c*k+ki)*k+kj)*cols : ((c*k+ki)*k+kj+1)*cols]
				for y := 0; y < oh; y++ {
					iy := y*g.Stride - g.Padding + ki
					if iy < 0 || iy >= g.Height {
						for x := 0; x < ow; x++ {
							row[y*ow+x] = 0
						}
						continue
					}
					for x := 0; x < ow; x++ {
						ix := x*g.Stride - g.Padding + kj
						if ix < 0 || ix >= g.Width {
							row[y*ow+x] = 0
						} else {
							row[y*ow+x] = plane[iy*g.Width+ix]
						}
					}
				}
			}
		}
	}
}

// Col2Im folds col back onto dst, accumulating overlapping receptive
// fields. It is the adjoint of Im2Col; dst is not cleared.
func Col2Im(col []float64, g ConvGeometry, dst []float64) {
	oh, ow := g.OutSize()
	k := g.Kernel
	cols := oh * ow
	for c := 0; c < g.Channels; c++ {
		plane := dst[c*g.Height*g.Width : (c+1)*g.Height*g.Width]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := col[((c*k+ki)*k+kj)*cols : ((c*k+ki)*k+kj+1)*cols]
				for y := 0; y < oh; y++ {
					iy := y*g.Stride - g.Padding + ki
					if iy < 0 || iy >= g.Height {
						continue
					}
					for x := 0; x < ow; x++ {
						ix := x*g.Stride - g.Padding + kj
						if ix < 0 || ix >= g.Width {
							continue
						}
						plane[iy*g.Width+ix] += row[y*ow+x]
					}
				}
			}
		}
	}
}

// Matrix wraps a row-major slice as a gonum matrix without copying
func Matrix(rows, cols int, data []float64) *mat.Dense {
	return mat.NewDense(rows, cols, data)
}
