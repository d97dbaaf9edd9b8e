package device

import "math"

// Kernel library for the 8x8-board evaluator. Every tensor uses the
// flattened per-square layout: C channels of 64 contiguous floats,
// square index s = row*8 + col. Launch functions take the queue plus
// explicit buffer handles and parallelize over the output domain.

func relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// Conv3x3 computes a 3x3 convolution without bias. Weights are laid
// out [outC][inC][3][3]. Neighbors outside the board contribute zero.
func Conv3x3(q *Queue, in, w *Buffer, inC, outC int, out *Buffer) {
	input, wt, dst := in.f32, w.f32, out.f32
	q.submit(outC*64, func(idx int) {
		oc := idx >> 6
		s := idx & 63
		row := s >> 3
		col := s & 7
		var acc float32
		ocBase := oc * inC * 9
		for ic := 0; ic < inC; ic++ {
			inBase := ic * 64
			wBase := ocBase + ic*9
			wIdx := 0
			for ky := -1; ky <= 1; ky++ {
				r := row + ky
				if r < 0 || r >= 8 {
					wIdx += 3
					continue
				}
				inRowBase := inBase + r<<3
				for kx := -1; kx <= 1; kx++ {
					c := col + kx
					if c >= 0 && c < 8 {
						acc += input[inRowBase+c] * wt[wBase+wIdx]
					}
					wIdx++
				}
			}
		}
		dst[oc*64+s] = acc
	})
}

// Conv1x1 computes a pointwise convolution without bias.
func Conv1x1(q *Queue, in, w *Buffer, inC, outC int, out *Buffer) {
	input, wt, dst := in.f32, w.f32, out.f32
	q.submit(outC*64, func(idx int) {
		oc := idx >> 6
		s := idx & 63
		var acc float32
		ocBase := oc * inC
		for ic := 0; ic < inC; ic++ {
			acc += input[ic*64+s] * wt[ocBase+ic]
		}
		dst[oc*64+s] = acc
	})
}

// BiasReLU adds a per-channel bias in place and clamps negatives to zero.
func BiasReLU(q *Queue, x, b *Buffer, channels int) {
	data, bias := x.f32, b.f32
	q.submit(channels*64, func(idx int) {
		data[idx] = relu(data[idx] + bias[idx>>6])
	})
}

// Bias adds a per-channel bias in place with no activation.
func Bias(q *Queue, x, b *Buffer, channels int) {
	data, bias := x.f32, b.f32
	q.submit(channels*64, func(idx int) {
		data[idx] += bias[idx>>6]
	})
}

// ResidualReLU computes dest = relu(convOut + bias[ch] + residual),
// the identity-shortcut tail of a plain residual block.
func ResidualReLU(q *Queue, convOut, b, residual *Buffer, channels int, dest *Buffer) {
	conv, bias, res, dst := convOut.f32, b.f32, residual.f32, dest.f32
	q.submit(channels*64, func(idx int) {
		dst[idx] = relu(conv[idx] + bias[idx>>6] + res[idx])
	})
}

// SEPool reduces each channel to its spatial mean plus the convolution
// bias. The per-channel reduction uses a 64-wide tree so the summation
// order is fixed regardless of scheduling.
func SEPool(q *Queue, convOut, b *Buffer, channels int, pooled *Buffer) {
	conv, bias, dst := convOut.f32, b.f32, pooled.f32
	q.submit(channels, func(ch int) {
		var buf [64]float32
		copy(buf[:], conv[ch*64:ch*64+64])
		for stride := 32; stride > 0; stride >>= 1 {
			for t := 0; t < stride; t++ {
				buf[t] += buf[t+stride]
			}
		}
		dst[ch] = buf[0]*(1.0/64.0) + bias[ch]
	})
}

// SEFC1 is the squeeze-excite bottleneck: channels pooled values to
// hidden, with ReLU.
func SEFC1(q *Queue, pooled, w1, b1 *Buffer, channels, hidden int, outHidden *Buffer) {
	in, wt, bias, dst := pooled.f32, w1.f32, b1.f32, outHidden.f32
	q.submit(hidden, func(h int) {
		acc := bias[h]
		row := wt[h*channels : (h+1)*channels]
		for ch := 0; ch < channels; ch++ {
			acc += row[ch] * in[ch]
		}
		dst[h] = relu(acc)
	})
}

// SEFC2 expands hidden back to 2*channels with no activation. Output
// index < channels is a gate logit, index >= channels an additive offset.
func SEFC2(q *Queue, hiddenVec, w2, b2 *Buffer, hidden, outDim int, gates *Buffer) {
	in, wt, bias, dst := hiddenVec.f32, w2.f32, b2.f32, gates.f32
	q.submit(outDim, func(o int) {
		acc := bias[o]
		row := wt[o*hidden : (o+1)*hidden]
		for h := 0; h < hidden; h++ {
			acc += row[h] * in[h]
		}
		dst[o] = acc
	})
}

// SEApply fuses the squeeze-excite gate with the residual shortcut:
// dest = relu(sigmoid(gate[ch])*(convOut+bias[ch]) + residual + offset[ch]).
func SEApply(q *Queue, convOut, b, residual, gates *Buffer, channels int, dest *Buffer) {
	conv, bias, res, g, dst := convOut.f32, b.f32, residual.f32, gates.f32, dest.f32
	q.submit(channels*64, func(idx int) {
		ch := idx >> 6
		gamma := sigmoid(g[ch])
		betaExtra := g[ch+channels]
		z := conv[idx] + bias[ch]
		dst[idx] = relu(gamma*z + res[idx] + betaExtra)
	})
}

// PolicyGather maps the flattened policy planes into the dense policy
// vector. Indices outside [0, planesLen) write 0 (illegal-move slots).
func PolicyGather(q *Queue, planes *Buffer, planesLen int, policyMap *Buffer, outLen int, outPolicy *Buffer) {
	src, idxs, dst := planes.f32, policyMap.i32, outPolicy.f32
	q.submit(outLen, func(i int) {
		idx := idxs[i]
		if idx >= 0 && int(idx) < planesLen {
			dst[i] = src[idx]
		} else {
			dst[i] = 0
		}
	})
}

// Dense computes y = W*x + b with an optional ReLU.
func Dense(q *Queue, x, w, b *Buffer, inD, outD int, reluAct bool, y *Buffer) {
	in, wt, bias, dst := x.f32, w.f32, b.f32, y.f32
	q.submit(outD, func(o int) {
		acc := bias[o]
		row := wt[o*inD : (o+1)*inD]
		for i := 0; i < inD; i++ {
			acc += row[i] * in[i]
		}
		if reluAct {
			acc = relu(acc)
		}
		dst[o] = acc
	})
}
