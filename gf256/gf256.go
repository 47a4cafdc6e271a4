// Package gf256 implements arithmetic over GF(2^8) with the reduction
// polynomial x^8 + x^4 + x^3 + x + 1 (0x11B). Addition is XOR.
// Multiplication and inversion avoid secret-dependent branches and table
// lookups, so timing does not leak operand values. Share evaluation,
// Lagrange interpolation and the pad MAC all run over this field.
package gf256

// Add returns a + b. In a characteristic-2 field addition and subtraction
// are both XOR.
func Add(a, b byte) byte {
	return a ^ b
}

// Mul returns a * b reduced by 0x11B. Eight shift-and-conditional-add steps,
// with the conditionals expressed as byte masks rather than branches.
func Mul(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		p ^= a & -(b & 1)
		carry := a >> 7
		a = (a << 1) ^ (0x1b & -carry)
		b >>= 1
	}
	return p
}

// Inv returns the multiplicative inverse, computed as a^254 through a fixed
// square-and-multiply chain (same operation count for every input).
// Inv(0) returns 0.
func Inv(a byte) byte {
	x2 := Mul(a, a)
	x3 := Mul(x2, a)
	x6 := Mul(x3, x3)
	x12 := Mul(x6, x6)
	x15 := Mul(x12, x3)
	x30 := Mul(x15, x15)
	x60 := Mul(x30, x30)
	x120 := Mul(x60, x60)
	x240 := Mul(x120, x120)
	return Mul(Mul(x240, x12), x2)
}

// Div returns a / b. Division by zero yields 0 under the Inv(0) = 0
// convention; callers that need the distinction check b themselves.
func Div(a, b byte) byte {
	return Mul(a, Inv(b))
}

// PolyEval evaluates the polynomial with the given coefficients at x using
// Horner's rule. coeffs[0] is the constant term.
func PolyEval(coeffs []byte, x byte) byte {
	var acc byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = Add(Mul(acc, x), coeffs[i])
	}
	return acc
}
