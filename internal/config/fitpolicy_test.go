package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool        { return &v }
func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func stringPtr(v string) *string  { return &v }

func TestFitConfigDefaults(t *testing.T) {
	cfg := &FitConfig{}

	assert.True(t, cfg.GetFitForBackground())
	assert.True(t, cfg.GetConstantVarianceWeighting())
	assert.False(t, cfg.GetIterateSingleKernel())
	assert.False(t, cfg.GetCheckConditionNumber())
	assert.Equal(t, 5.0e7, cfg.GetMaxConditionNumber())
	assert.Equal(t, "EIGENVALUE", cfg.GetConditionNumberType())

	assert.True(t, cfg.GetSingleKernelClipping())
	assert.Equal(t, 0.25, cfg.GetCandidateResidualMeanMax())
	assert.Equal(t, 1.50, cfg.GetCandidateResidualStdMax())
	assert.False(t, cfg.GetUseCoreStats())
	assert.Equal(t, 3, cfg.GetCandidateCoreRadius())
	assert.Equal(t, 3.0, cfg.GetMaxKsumSigma())

	assert.Equal(t, "absolute", cfg.GetLambdaType())
	assert.Equal(t, 1.0, cfg.GetLambdaValue())
	assert.Equal(t, 1.0e-4, cfg.GetLambdaScaling())
	assert.Equal(t, "log", cfg.GetLambdaStepType())
	assert.Equal(t, 0.1, cfg.GetLambdaLinMin())
	assert.Equal(t, 1.0, cfg.GetLambdaLinMax())
	assert.Equal(t, 0.1, cfg.GetLambdaLinStep())
	assert.Equal(t, -1.0, cfg.GetLambdaLogMin())
	assert.Equal(t, 2.0, cfg.GetLambdaLogMax())
	assert.Equal(t, 0.1, cfg.GetLambdaLogStep())

	assert.Equal(t, "alard-lupton", cfg.GetKernelBasisSet())
	assert.False(t, cfg.GetUsePcaForSpatialKernel())
	assert.Equal(t, 5, cfg.GetNumPcaComponents())
	assert.Equal(t, 2, cfg.GetSpatialKernelOrder())
	assert.Equal(t, 1, cfg.GetSpatialBgOrder())
}

func TestFitConfigOverrides(t *testing.T) {
	cfg := &FitConfig{
		FitForBackground:    boolPtr(false),
		MaxConditionNumber:  floatPtr(1e6),
		ConditionNumberType: stringPtr("SVD"),
		LambdaType:          stringPtr("minimizeUnbiasedRisk"),
		KernelBasisSet:      stringPtr("delta-function"),
		NumPcaComponents:    intPtr(3),
		SpatialKernelOrder:  intPtr(0),
	}
	assert.False(t, cfg.GetFitForBackground())
	assert.Equal(t, 1e6, cfg.GetMaxConditionNumber())
	assert.Equal(t, "SVD", cfg.GetConditionNumberType())
	assert.Equal(t, "minimizeUnbiasedRisk", cfg.GetLambdaType())
	assert.Equal(t, "delta-function", cfg.GetKernelBasisSet())
	assert.Equal(t, 3, cfg.GetNumPcaComponents())
	assert.Equal(t, 0, cfg.GetSpatialKernelOrder())
}

func TestFitConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     FitConfig
		wantErr string
	}{
		{name: "empty is valid", cfg: FitConfig{}},
		{
			name: "all enums valid",
			cfg: FitConfig{
				ConditionNumberType: stringPtr("SVD"),
				LambdaType:          stringPtr("relative"),
				LambdaStepType:      stringPtr("linear"),
				KernelBasisSet:      stringPtr("alard-lupton"),
			},
		},
		{
			name:    "bad condition number type",
			cfg:     FitConfig{ConditionNumberType: stringPtr("DETERMINANT")},
			wantErr: "condition_number_type",
		},
		{
			name:    "bad lambda type",
			cfg:     FitConfig{LambdaType: stringPtr("tikhonov")},
			wantErr: "lambda_type",
		},
		{
			name:    "bad lambda step type",
			cfg:     FitConfig{LambdaStepType: stringPtr("geometric")},
			wantErr: "lambda_step_type",
		},
		{
			name:    "bad basis set",
			cfg:     FitConfig{KernelBasisSet: stringPtr("gauss-hermite")},
			wantErr: "kernel_basis_set",
		},
		{
			name:    "negative core radius",
			cfg:     FitConfig{CandidateCoreRadius: intPtr(-1)},
			wantErr: "candidate_core_radius",
		},
		{
			name:    "non-positive condition limit",
			cfg:     FitConfig{MaxConditionNumber: floatPtr(0)},
			wantErr: "max_condition_number",
		},
		{
			name:    "negative pca components",
			cfg:     FitConfig{NumPcaComponents: intPtr(-1)},
			wantErr: "num_pca_components",
		},
		{
			name:    "negative spatial order",
			cfg:     FitConfig{SpatialKernelOrder: intPtr(-2)},
			wantErr: "spatial_kernel_order",
		},
		{
			name:    "negative background order",
			cfg:     FitConfig{SpatialBgOrder: intPtr(-1)},
			wantErr: "spatial_bg_order",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadFitConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fit.json")
	data := `{
		"fit_for_background": false,
		"kernel_basis_set": "delta-function",
		"lambda_type": "minimizeBiasedRisk",
		"spatial_kernel_order": 1,
		"max_ksum_sigma": 5.0
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadFitConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.GetFitForBackground())
	assert.Equal(t, "delta-function", cfg.GetKernelBasisSet())
	assert.Equal(t, "minimizeBiasedRisk", cfg.GetLambdaType())
	assert.Equal(t, 1, cfg.GetSpatialKernelOrder())
	assert.Equal(t, 5.0, cfg.GetMaxKsumSigma())
	// unset fields keep their defaults
	assert.Equal(t, "EIGENVALUE", cfg.GetConditionNumberType())
}

func TestLoadFitConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadFitConfig("fit.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".json")
}

func TestLoadFitConfigMissingFile(t *testing.T) {
	_, err := LoadFitConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadFitConfigInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"lambda_type": "bogus"}`), 0644))
	_, err := LoadFitConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadFitConfigMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fit_for_background":`), 0644))
	_, err := LoadFitConfig(path)
	require.Error(t, err)
}
