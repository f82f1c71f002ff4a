package abtest

import (
	"math"
)

// welch holds the outcome of Welch's two-sample t-test.
type welch struct {
	T  float64
	DF float64
	P  float64
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleVariance uses the n-1 denominator.
func sampleVariance(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return ss / float64(len(xs)-1)
}

// welchTTest compares the means of a and b without assuming equal variances.
//
// The statistic is t = (mean(b) - mean(a)) / sqrt(va/na + vb/nb) with sample
// variances, and the degrees of freedom follow Welch-Satterthwaite. The
// two-tailed p-value comes from the normal distribution when df >= 30 and
// from Student's t below that. With a zero standard error the p-value is 0
// when the means differ and 1 otherwise. Fewer than two samples on either
// side yield p = 1.
func welchTTest(a, b []float64) welch {
	if len(a) < 2 || len(b) < 2 {
		return welch{P: 1}
	}

	ma, mb := mean(a), mean(b)
	na, nb := float64(len(a)), float64(len(b))
	sa := sampleVariance(a, ma) / na
	sb := sampleVariance(b, mb) / nb

	se := math.Sqrt(sa + sb)
	if se == 0 {
		if ma == mb {
			return welch{P: 1}
		}
		return welch{T: math.Inf(sign(mb - ma)), P: 0}
	}

	t := (mb - ma) / se
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))

	return welch{T: t, DF: df, P: twoTailedP(math.Abs(t), df)}
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}

func twoTailedP(absT, df float64) float64 {
	var p float64
	if df >= 30 {
		p = math.Erfc(absT / math.Sqrt2)
	} else {
		// P(|T| > t) = I_x(df/2, 1/2) with x = df / (df + t^2).
		p = regIncBeta(df/2, 0.5, df/(df+absT*absT))
	}
	return math.Min(1, math.Max(0, p))
}

// regIncBeta is the regularized incomplete beta function I_x(a, b), evaluated
// with Lentz's continued fraction.
func regIncBeta(a, b, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}

	lbeta := lgamma(a+b) - lgamma(a) - lgamma(b)
	front := math.Exp(lbeta + a*math.Log(x) + b*math.Log1p(-x))

	// The fraction converges fast for x < (a+1)/(a+b+2); use the symmetry
	// I_x(a,b) = 1 - I_{1-x}(b,a) otherwise.
	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIterations = 300
		epsilon       = 1e-14
		tiny          = 1e-300
	)

	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}

// improvement is the relative change of treatment over control, 0 when the
// control mean is 0.
func improvement(controlMean, treatmentMean float64) float64 {
	if controlMean == 0 {
		return 0
	}
	return (treatmentMean - controlMean) / controlMean
}
