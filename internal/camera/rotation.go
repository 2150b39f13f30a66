package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rotation is a 3x3 rotation matrix stored row-major.
type Rotation [9]float64

// Identity returns the identity rotation.
func Identity() Rotation {
	return Rotation{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// RotationFromVector converts a Rodrigues rotation vector into a matrix.
func RotationFromVector(v r3.Vector) Rotation {
	theta := v.Norm()
	if theta < 1e-12 {
		return Identity()
	}
	k := v.Mul(1 / theta)
	s, c := math.Sincos(theta)
	t := 1 - c
	return Rotation{
		c + t*k.X*k.X, t*k.X*k.Y - s*k.Z, t*k.X*k.Z + s*k.Y,
		t*k.X*k.Y + s*k.Z, c + t*k.Y*k.Y, t*k.Y*k.Z - s*k.X,
		t*k.X*k.Z - s*k.Y, t*k.Y*k.Z + s*k.X, c + t*k.Z*k.Z,
	}
}

// Vector converts the rotation back into a Rodrigues vector.
func (r Rotation) Vector() r3.Vector {
	cosTheta := (r[0] + r[4] + r[8] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)
	switch {
	case theta < 1e-12:
		return r3.Vector{}
	case math.Pi-theta < 1e-6:
		// R = 2kk' - I near a half turn.
		k := r3.Vector{
			X: math.Sqrt(math.Max(0, (r[0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (r[4]+1)/2)),
			Z: math.Sqrt(math.Max(0, (r[8]+1)/2)),
		}
		switch {
		case k.X >= k.Y && k.X >= k.Z:
			k.Y = math.Copysign(k.Y, r[1]+r[3])
			k.Z = math.Copysign(k.Z, r[2]+r[6])
		case k.Y >= k.Z:
			k.X = math.Copysign(k.X, r[1]+r[3])
			k.Z = math.Copysign(k.Z, r[5]+r[7])
		default:
			k.X = math.Copysign(k.X, r[2]+r[6])
			k.Y = math.Copysign(k.Y, r[5]+r[7])
		}
		return k.Normalize().Mul(theta)
	}
	f := theta / (2 * math.Sin(theta))
	return r3.Vector{
		X: (r[7] - r[5]) * f,
		Y: (r[2] - r[6]) * f,
		Z: (r[3] - r[1]) * f,
	}
}

// Apply rotates p.
func (r Rotation) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0]*p.X + r[1]*p.Y + r[2]*p.Z,
		Y: r[3]*p.X + r[4]*p.Y + r[5]*p.Z,
		Z: r[6]*p.X + r[7]*p.Y + r[8]*p.Z,
	}
}

// Mul returns r*o.
func (r Rotation) Mul(o Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = r[i*3]*o[j] + r[i*3+1]*o[3+j] + r[i*3+2]*o[6+j]
		}
	}
	return out
}

// T returns the transpose, which is also the inverse.
func (r Rotation) T() Rotation {
	return Rotation{r[0], r[3], r[6], r[1], r[4], r[7], r[2], r[5], r[8]}
}

// Dense returns the rotation as a gonum matrix.
func (r Rotation) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, r[:])
	return mat.NewDense(3, 3, data)
}

// RotationFromDense copies a 3x3 matrix. It does not orthonormalize.
func RotationFromDense(m mat.Matrix) Rotation {
	var r Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = m.At(i, j)
		}
	}
	return r
}

// NearestRotation projects an arbitrary 3x3 matrix onto SO(3) with an SVD.
func NearestRotation(m mat.Matrix) (Rotation, bool) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return Identity(), false
	}
	var u, v, rot mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		rot.Mul(&u, v.T())
	}
	return RotationFromDense(&rot), true
}

// Pose is a rigid transform x' = R*x + T.
type Pose struct {
	R Rotation
	T r3.Vector
}

// Apply transforms p.
func (p Pose) Apply(x r3.Vector) r3.Vector {
	return p.R.Apply(x).Add(p.T)
}

// Compose returns the pose that applies p first and then o.
func (p Pose) Compose(o Pose) Pose {
	return Pose{R: o.R.Mul(p.R), T: o.R.Apply(p.T).Add(o.T)}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	rt := p.R.T()
	return Pose{R: rt, T: rt.Apply(p.T).Mul(-1)}
}
