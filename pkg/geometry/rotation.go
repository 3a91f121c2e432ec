package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// EulerDegrees holds a head pose as yaw (about Y), pitch (about X) and roll (about Z).
type EulerDegrees struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

func rotX(a float64) Mat3 {
	c, s := math.Cos(a), math.Sin(a)
	return Mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

func rotY(a float64) Mat3 {
	c, s := math.Cos(a), math.Sin(a)
	return Mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

func rotZ(a float64) Mat3 {
	c, s := math.Cos(a), math.Sin(a)
	return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// Matrix returns R = Ry(yaw) * Rx(pitch) * Rz(roll).
func (e EulerDegrees) Matrix() Mat3 {
	const d2r = math.Pi / 180
	return rotY(e.Yaw * d2r).Mul(rotX(e.Pitch * d2r)).Mul(rotZ(e.Roll * d2r))
}

// EulerFromMatrix inverts Matrix. Near pitch = ±90° roll is folded into yaw.
func EulerFromMatrix(m Mat3) EulerDegrees {
	const r2d = 180 / math.Pi
	sp := -m[1][2]
	sp = math.Max(-1, math.Min(1, sp))
	pitch := math.Asin(sp)
	var yaw, roll float64
	if math.Abs(sp) < 0.999999 {
		yaw = math.Atan2(m[0][2], m[2][2])
		roll = math.Atan2(m[1][0], m[1][1])
	} else {
		yaw = math.Atan2(-m[2][0], m[0][0])
	}
	return EulerDegrees{Yaw: yaw * r2d, Pitch: pitch * r2d, Roll: roll * r2d}
}

// ExpMap converts an axis-angle vector to a rotation matrix (Rodrigues).
func ExpMap(w r3.Vec) Mat3 {
	theta := r3.Norm(w)
	if theta < 1e-12 {
		k := Skew(w)
		out := Identity3()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				out[i][j] += k[i][j]
			}
		}
		return out
	}
	k := Skew(r3.Scale(1/theta, w))
	k2 := k.Mul(k)
	s, c := math.Sin(theta), 1-math.Cos(theta)
	out := Identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] += s*k[i][j] + c*k2[i][j]
		}
	}
	return out
}

// LogMap converts a rotation matrix to its axis-angle vector.
func LogMap(m Mat3) r3.Vec {
	cosTheta := (m[0][0] + m[1][1] + m[2][2] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)
	v := r3.Vec{X: m[2][1] - m[1][2], Y: m[0][2] - m[2][0], Z: m[1][0] - m[0][1]}
	if theta < 1e-9 {
		return r3.Scale(0.5, v)
	}
	if math.Pi-theta < 1e-6 {
		// Axis from the largest diagonal entry of (R + I) / 2.
		axis := r3.Vec{
			X: math.Sqrt(math.Max(0, (m[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (m[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (m[2][2]+1)/2)),
		}
		if m[0][1] < 0 {
			axis.Y = -axis.Y
		}
		if m[0][2] < 0 {
			axis.Z = -axis.Z
		}
		return r3.Scale(theta, r3.Unit(axis))
	}
	return r3.Scale(theta/(2*math.Sin(theta)), v)
}
