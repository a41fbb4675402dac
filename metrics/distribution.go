package metrics

import (
	"fmt"
	"math"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

// FitDistribution compares the empirical occupancy distribution with a Poisson law of the
// same mean and, when nCore > 0, with Binomial(nCore, λ/nCore). Vectors cover occupancy
// levels 0..max(maxOccupancy, nCore).
func FitDistribution(h types.OccupancyHistogram, nCore int) (types.DistributionFit, error) {
	if h.Total() == 0 {
		return types.DistributionFit{}, &types.InvalidInputError{Field: "histogram", Reason: "no bins"}
	}
	if nCore < 0 {
		return types.DistributionFit{}, &types.InvalidInputError{Field: "nCore", Reason: fmt.Sprintf("negative core count %d", nCore)}
	}

	size := h.MaxOccupancy()
	if nCore > size {
		size = nCore
	}
	size++

	lambda := h.Lambda()
	fit := types.DistributionFit{
		Lambda:    lambda,
		Empirical: h.Probabilities(size),
		Poisson:   make([]float64, size),
	}
	for k := range fit.Poisson {
		fit.Poisson[k] = poissonPMF(k, lambda)
	}
	fit.PoissonDistance = bhattacharyya(fit.Empirical, fit.Poisson)

	if nCore > 0 {
		p := math.Min(lambda/float64(nCore), 1)
		fit.BinomialTrials = nCore
		fit.Binomial = make([]float64, size)
		for k := range fit.Binomial {
			fit.Binomial[k] = binomialPMF(k, nCore, p)
		}
		fit.BinomialDistance = bhattacharyya(fit.Empirical, fit.Binomial)
	}

	fit.UncontendedEmpirical = fit.Empirical[0]
	fit.UncontendedPoisson = fit.Poisson[0]
	if size > 1 {
		fit.UncontendedEmpirical += fit.Empirical[1]
		fit.UncontendedPoisson += fit.Poisson[1]
	}
	return fit, nil
}

func poissonPMF(k int, lambda float64) float64 {
	if lambda == 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	lg, _ := math.Lgamma(float64(k + 1))
	return math.Exp(float64(k)*math.Log(lambda) - lambda - lg)
}

func binomialPMF(k, n int, p float64) float64 {
	if k > n {
		return 0
	}
	switch p {
	case 0:
		if k == 0 {
			return 1
		}
		return 0
	case 1:
		if k == n {
			return 1
		}
		return 0
	}
	ln, _ := math.Lgamma(float64(n + 1))
	lk, _ := math.Lgamma(float64(k + 1))
	lnk, _ := math.Lgamma(float64(n - k + 1))
	return math.Exp(ln - lk - lnk + float64(k)*math.Log(p) + float64(n-k)*math.Log1p(-p))
}

// bhattacharyya is -ln Σ sqrt(u·w). Disjoint supports give math.MaxFloat64 so the value
// stays JSON encodable.
func bhattacharyya(u, w []float64) float64 {
	var bc float64
	for i := range u {
		if i < len(w) {
			bc += math.Sqrt(u[i] * w[i])
		}
	}
	if bc <= 0 {
		return math.MaxFloat64
	}
	return math.Max(0, -math.Log(bc))
}
