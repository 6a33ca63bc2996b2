package pixel

import "fmt"

// ConvolveAndSubtract produces the difference image
//
//	diff = science - template (*) kernel - background
//
// cropped to the kernel's valid region. The variance plane, when both inputs
// carry one, is propagated as varScience + varTemplate (*) kernel^2. The
// returned grids keep origin offsets pointing at the parent frame.
func ConvolveAndSubtract(template, science MaskedGrid, k *Kernel, background float64) (MaskedGrid, error) {
	if template.Im.W != science.Im.W || template.Im.H != science.Im.H {
		return MaskedGrid{}, fmt.Errorf("pixel: template %dx%d does not match science %dx%d",
			template.Im.W, template.Im.H, science.Im.W, science.Im.H)
	}
	conv := NewGrid(template.Im.W, template.Im.H)
	if _, err := k.Convolve(conv, template.Im); err != nil {
		return MaskedGrid{}, err
	}
	valid := k.ValidRegion(template.Im.W, template.Im.H)
	if valid.Area() == 0 {
		return MaskedGrid{}, fmt.Errorf("pixel: kernel %dx%d leaves no valid region on %dx%d image",
			k.W, k.H, template.Im.W, template.Im.H)
	}

	diff := NewGrid(template.Im.W, template.Im.H)
	for y := valid.Y0; y < valid.Y0+valid.H; y++ {
		for x := valid.X0; x < valid.X0+valid.W; x++ {
			diff.Set(x, y, science.Im.At(x, y)-conv.At(x, y)-background)
		}
	}
	out := MaskedGrid{}
	var err error
	if out.Im, err = diff.Crop(valid); err != nil {
		return MaskedGrid{}, err
	}
	out.Im.X0 += science.Im.X0
	out.Im.Y0 += science.Im.Y0

	if template.Var != nil && science.Var != nil {
		// variance of a (*) k is var(a) (*) k^2 for independent pixels
		k2 := k.Clone()
		for i, v := range k2.Coeffs {
			k2.Coeffs[i] = v * v
		}
		convVar := NewGrid(template.Var.W, template.Var.H)
		if _, err := k2.Convolve(convVar, template.Var); err != nil {
			return MaskedGrid{}, err
		}
		varSum := NewGrid(template.Var.W, template.Var.H)
		for y := valid.Y0; y < valid.Y0+valid.H; y++ {
			for x := valid.X0; x < valid.X0+valid.W; x++ {
				varSum.Set(x, y, science.Var.At(x, y)+convVar.At(x, y))
			}
		}
		if out.Var, err = varSum.Crop(valid); err != nil {
			return MaskedGrid{}, err
		}
		out.Var.X0 += science.Im.X0
		out.Var.Y0 += science.Im.Y0
	}
	if science.Msk != nil {
		msk := NewMask(valid.W, valid.H)
		msk.X0 = science.Msk.X0 + valid.X0
		msk.Y0 = science.Msk.Y0 + valid.Y0
		for y := 0; y < valid.H; y++ {
			for x := 0; x < valid.W; x++ {
				msk.Bits[y*valid.W+x] = science.Msk.At(valid.X0+x, valid.Y0+y)
				if template.Msk != nil {
					msk.Bits[y*valid.W+x] |= template.Msk.At(valid.X0+x, valid.Y0+y)
				}
			}
		}
		out.Msk = msk
	}
	return out, nil
}
