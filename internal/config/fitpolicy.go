// Package config holds the flat fit-policy configuration consumed by the
// kernel fitting engine. The schema is a single JSON object; fields omitted
// from the file keep their defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FitConfig is the flat mapping of option name to value directing the kernel
// builders and candidate visitors. Pointer fields distinguish "unset" from
// zero values; the Get* accessors supply defaults.
type FitConfig struct {
	// Candidate build params
	FitForBackground          *bool    `json:"fit_for_background,omitempty"`
	ConstantVarianceWeighting *bool    `json:"constant_variance_weighting,omitempty"`
	IterateSingleKernel       *bool    `json:"iterate_single_kernel,omitempty"`
	CheckConditionNumber      *bool    `json:"check_condition_number,omitempty"`
	MaxConditionNumber        *float64 `json:"max_condition_number,omitempty"`
	ConditionNumberType       *string  `json:"condition_number_type,omitempty"` // SVD | EIGENVALUE

	// Candidate acceptance params
	SingleKernelClipping     *bool    `json:"single_kernel_clipping,omitempty"`
	CandidateResidualMeanMax *float64 `json:"candidate_residual_mean_max,omitempty"`
	CandidateResidualStdMax  *float64 `json:"candidate_residual_std_max,omitempty"`
	UseCoreStats             *bool    `json:"use_core_stats,omitempty"`
	CandidateCoreRadius      *int     `json:"candidate_core_radius,omitempty"`
	MaxKsumSigma             *float64 `json:"max_ksum_sigma,omitempty"`

	// Regularization params
	LambdaType     *string  `json:"lambda_type,omitempty"` // absolute | relative | minimizeBiasedRisk | minimizeUnbiasedRisk
	LambdaValue    *float64 `json:"lambda_value,omitempty"`
	LambdaScaling  *float64 `json:"lambda_scaling,omitempty"`
	LambdaStepType *string  `json:"lambda_step_type,omitempty"` // linear | log
	LambdaLinMin   *float64 `json:"lambda_lin_min,omitempty"`
	LambdaLinMax   *float64 `json:"lambda_lin_max,omitempty"`
	LambdaLinStep  *float64 `json:"lambda_lin_step,omitempty"`
	LambdaLogMin   *float64 `json:"lambda_log_min,omitempty"`
	LambdaLogMax   *float64 `json:"lambda_log_max,omitempty"`
	LambdaLogStep  *float64 `json:"lambda_log_step,omitempty"`

	// Spatial model params
	KernelBasisSet         *string `json:"kernel_basis_set,omitempty"` // alard-lupton | delta-function
	UsePcaForSpatialKernel *bool   `json:"use_pca_for_spatial_kernel,omitempty"`
	NumPcaComponents       *int    `json:"num_pca_components,omitempty"`
	SpatialKernelOrder     *int    `json:"spatial_kernel_order,omitempty"`
	SpatialBgOrder         *int    `json:"spatial_bg_order,omitempty"`
}

// LoadFitConfig loads a FitConfig from a JSON file and validates it.
func LoadFitConfig(path string) (*FitConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &FitConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks enum-valued fields. An unrecognized value here is a setup
// defect and is treated as fatal by callers, unlike data-dependent build
// failures.
func (c *FitConfig) Validate() error {
	if c.ConditionNumberType != nil {
		switch *c.ConditionNumberType {
		case "SVD", "EIGENVALUE":
		default:
			return fmt.Errorf("condition_number_type %q not recognized (SVD, EIGENVALUE)", *c.ConditionNumberType)
		}
	}
	if c.LambdaType != nil {
		switch *c.LambdaType {
		case "absolute", "relative", "minimizeBiasedRisk", "minimizeUnbiasedRisk":
		default:
			return fmt.Errorf("lambda_type %q not recognized", *c.LambdaType)
		}
	}
	if c.LambdaStepType != nil {
		switch *c.LambdaStepType {
		case "linear", "log":
		default:
			return fmt.Errorf("lambda_step_type %q not recognized (linear, log)", *c.LambdaStepType)
		}
	}
	if c.KernelBasisSet != nil {
		switch *c.KernelBasisSet {
		case "alard-lupton", "delta-function":
		default:
			return fmt.Errorf("kernel_basis_set %q not recognized (alard-lupton, delta-function)", *c.KernelBasisSet)
		}
	}
	if c.CandidateCoreRadius != nil && *c.CandidateCoreRadius < 0 {
		return fmt.Errorf("candidate_core_radius must be non-negative, got %d", *c.CandidateCoreRadius)
	}
	if c.MaxConditionNumber != nil && *c.MaxConditionNumber <= 0 {
		return fmt.Errorf("max_condition_number must be positive, got %f", *c.MaxConditionNumber)
	}
	if c.NumPcaComponents != nil && *c.NumPcaComponents < 0 {
		return fmt.Errorf("num_pca_components must be non-negative, got %d", *c.NumPcaComponents)
	}
	if c.SpatialKernelOrder != nil && *c.SpatialKernelOrder < 0 {
		return fmt.Errorf("spatial_kernel_order must be non-negative, got %d", *c.SpatialKernelOrder)
	}
	if c.SpatialBgOrder != nil && *c.SpatialBgOrder < 0 {
		return fmt.Errorf("spatial_bg_order must be non-negative, got %d", *c.SpatialBgOrder)
	}
	return nil
}

// GetFitForBackground returns the fit_for_background value or the default.
func (c *FitConfig) GetFitForBackground() bool {
	if c.FitForBackground == nil {
		return true
	}
	return *c.FitForBackground
}

// GetConstantVarianceWeighting returns the constant_variance_weighting value
// or the default.
func (c *FitConfig) GetConstantVarianceWeighting() bool {
	if c.ConstantVarianceWeighting == nil {
		return true
	}
	return *c.ConstantVarianceWeighting
}

// GetIterateSingleKernel returns the iterate_single_kernel value or the default.
func (c *FitConfig) GetIterateSingleKernel() bool {
	if c.IterateSingleKernel == nil {
		return false
	}
	return *c.IterateSingleKernel
}

// GetCheckConditionNumber returns the check_condition_number value or the default.
func (c *FitConfig) GetCheckConditionNumber() bool {
	if c.CheckConditionNumber == nil {
		return false
	}
	return *c.CheckConditionNumber
}

// GetMaxConditionNumber returns the max_condition_number value or the default.
func (c *FitConfig) GetMaxConditionNumber() float64 {
	if c.MaxConditionNumber == nil {
		return 5.0e7
	}
	return *c.MaxConditionNumber
}

// GetConditionNumberType returns the condition_number_type value or the default.
func (c *FitConfig) GetConditionNumberType() string {
	if c.ConditionNumberType == nil {
		return "EIGENVALUE"
	}
	return *c.ConditionNumberType
}

// GetSingleKernelClipping returns the single_kernel_clipping value or the default.
func (c *FitConfig) GetSingleKernelClipping() bool {
	if c.SingleKernelClipping == nil {
		return true
	}
	return *c.SingleKernelClipping
}

// GetCandidateResidualMeanMax returns the candidate_residual_mean_max value
// or the default.
func (c *FitConfig) GetCandidateResidualMeanMax() float64 {
	if c.CandidateResidualMeanMax == nil {
		return 0.25
	}
	return *c.CandidateResidualMeanMax
}

// GetCandidateResidualStdMax returns the candidate_residual_std_max value or
// the default.
func (c *FitConfig) GetCandidateResidualStdMax() float64 {
	if c.CandidateResidualStdMax == nil {
		return 1.50
	}
	return *c.CandidateResidualStdMax
}

// GetUseCoreStats returns the use_core_stats value or the default.
func (c *FitConfig) GetUseCoreStats() bool {
	if c.UseCoreStats == nil {
		return false
	}
	return *c.UseCoreStats
}

// GetCandidateCoreRadius returns the candidate_core_radius value or the default.
func (c *FitConfig) GetCandidateCoreRadius() int {
	if c.CandidateCoreRadius == nil {
		return 3
	}
	return *c.CandidateCoreRadius
}

// GetMaxKsumSigma returns the max_ksum_sigma value or the default.
func (c *FitConfig) GetMaxKsumSigma() float64 {
	if c.MaxKsumSigma == nil {
		return 3.0
	}
	return *c.MaxKsumSigma
}

// GetLambdaType returns the lambda_type value or the default.
func (c *FitConfig) GetLambdaType() string {
	if c.LambdaType == nil {
		return "absolute"
	}
	return *c.LambdaType
}

// GetLambdaValue returns the lambda_value value or the default.
func (c *FitConfig) GetLambdaValue() float64 {
	if c.LambdaValue == nil {
		return 1.0
	}
	return *c.LambdaValue
}

// GetLambdaScaling returns the lambda_scaling value or the default.
func (c *FitConfig) GetLambdaScaling() float64 {
	if c.LambdaScaling == nil {
		return 1.0e-4
	}
	return *c.LambdaScaling
}

// GetLambdaStepType returns the lambda_step_type value or the default.
func (c *FitConfig) GetLambdaStepType() string {
	if c.LambdaStepType == nil {
		return "log"
	}
	return *c.LambdaStepType
}

// GetLambdaLinMin returns the lambda_lin_min value or the default.
func (c *FitConfig) GetLambdaLinMin() float64 {
	if c.LambdaLinMin == nil {
		return 0.1
	}
	return *c.LambdaLinMin
}

// GetLambdaLinMax returns the lambda_lin_max value or the default.
func (c *FitConfig) GetLambdaLinMax() float64 {
	if c.LambdaLinMax == nil {
		return 1.0
	}
	return *c.LambdaLinMax
}

// GetLambdaLinStep returns the lambda_lin_step value or the default.
func (c *FitConfig) GetLambdaLinStep() float64 {
	if c.LambdaLinStep == nil {
		return 0.1
	}
	return *c.LambdaLinStep
}

// GetLambdaLogMin returns the lambda_log_min value or the default.
func (c *FitConfig) GetLambdaLogMin() float64 {
	if c.LambdaLogMin == nil {
		return -1.0
	}
	return *c.LambdaLogMin
}

// GetLambdaLogMax returns the lambda_log_max value or the default.
func (c *FitConfig) GetLambdaLogMax() float64 {
	if c.LambdaLogMax == nil {
		return 2.0
	}
	return *c.LambdaLogMax
}

// GetLambdaLogStep returns the lambda_log_step value or the default.
func (c *FitConfig) GetLambdaLogStep() float64 {
	if c.LambdaLogStep == nil {
		return 0.1
	}
	return *c.LambdaLogStep
}

// GetKernelBasisSet returns the kernel_basis_set value or the default.
func (c *FitConfig) GetKernelBasisSet() string {
	if c.KernelBasisSet == nil {
		return "alard-lupton"
	}
	return *c.KernelBasisSet
}

// GetUsePcaForSpatialKernel returns the use_pca_for_spatial_kernel value or
// the default.
func (c *FitConfig) GetUsePcaForSpatialKernel() bool {
	if c.UsePcaForSpatialKernel == nil {
		return false
	}
	return *c.UsePcaForSpatialKernel
}

// GetNumPcaComponents returns the num_pca_components value or the default.
func (c *FitConfig) GetNumPcaComponents() int {
	if c.NumPcaComponents == nil {
		return 5
	}
	return *c.NumPcaComponents
}

// GetSpatialKernelOrder returns the spatial_kernel_order value or the default.
func (c *FitConfig) GetSpatialKernelOrder() int {
	if c.SpatialKernelOrder == nil {
		return 2
	}
	return *c.SpatialKernelOrder
}

// GetSpatialBgOrder returns the spatial_bg_order value or the default.
func (c *FitConfig) GetSpatialBgOrder() int {
	if c.SpatialBgOrder == nil {
		return 1
	}
	return *c.SpatialBgOrder
}
