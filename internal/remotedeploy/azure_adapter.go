package remotedeploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// azureVMSizesByShape maps a coarse resource shape to an Azure VM size, the
// same "pick the smallest size that fits" approach the DigitalOcean adapter
// uses for droplet sizing.
var azureVMSizesByShape = []struct {
	maxVCPUs    uint32
	maxMemoryMB uint64
	size        string
}{
	{1, 1024, "Standard_B1s"},
	{1, 2048, "Standard_B1ms"},
	{2, 4096, "Standard_B2s"},
	{2, 8192, "Standard_D2s_v5"},
	{4, 16384, "Standard_D4s_v5"},
	{8, 32768, "Standard_D8s_v5"},
	{16, 65536, "Standard_D16s_v5"},
}

func selectAzureVMSize(spec ResourceSpec) string {
	for _, s := range azureVMSizesByShape {
		if spec.VCPUs <= s.maxVCPUs && spec.MemoryMB <= s.maxMemoryMB {
			return s.size
		}
	}
	return "Standard_D32s_v5"
}

// AzureAdapter implements CloudProviderAdapter against the Azure Resource
// Manager REST API directly: the go.mod domain stack carries azcore's
// pipeline/auth primitives and azidentity's credential chain, not a
// generated armcompute client, so requests are built by hand the way the
// pack's DigitalOcean provisioner builds its own REST calls.
type AzureAdapter struct {
	pipeline       runtime.Pipeline
	subscriptionID string
	resourceGroup  string
	defaultRegion  string
}

// NewAzureAdapter builds an adapter authenticated via the default Azure
// credential chain (environment, managed identity, Azure CLI, in that
// order — azidentity.NewDefaultAzureCredential's standard behavior).
func NewAzureAdapter(subscriptionID, resourceGroup, defaultRegion string) (*AzureAdapter, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to acquire azure credential", err)
	}

	pipeline := runtime.NewPipeline("blueprint-core/remotedeploy", "v1", runtime.PipelineOptions{}, &policy.ClientOptions{
		PerRetryPolicies: []policy.Policy{
			runtime.NewBearerTokenPolicy(cred, []string{"https://management.azure.com/.default"}, nil),
		},
	})

	return &AzureAdapter{
		pipeline:       pipeline,
		subscriptionID: subscriptionID,
		resourceGroup:  resourceGroup,
		defaultRegion:  defaultRegion,
	}, nil
}

func (a *AzureAdapter) Name() string { return "azure" }

func (a *AzureAdapter) armURL(pathFmt string, args ...interface{}) string {
	path := fmt.Sprintf(pathFmt, args...)
	return fmt.Sprintf("https://management.azure.com/subscriptions/%s/resourceGroups/%s%s",
		a.subscriptionID, a.resourceGroup, path)
}

func (a *AzureAdapter) do(ctx context.Context, method, url string, body interface{}, apiVersion string) (*http.Response, error) {
	var reader io.ReadSeekCloser
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindOther, "failed to marshal azure request body", err)
		}
		reader = streaming.NopCloser(bytes.NewReader(raw))
	}

	req, err := runtime.NewRequest(ctx, method, url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransport, "failed to build azure request", err)
	}
	q := req.Raw().URL.Query()
	q.Set("api-version", apiVersion)
	req.Raw().URL.RawQuery = q.Encode()
	if reader != nil {
		if err := req.SetBody(reader, "application/json"); err != nil {
			return nil, apperrors.Wrap(apperrors.KindOther, "failed to set azure request body", err)
		}
	}

	resp, err := a.pipeline.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransport, "azure request failed", err)
	}
	return resp, nil
}

// Provision creates a VM through ARM's virtualMachines PUT and returns the
// instance with StatusStarting; it does not poll for a running power
// state.
func (a *AzureAdapter) Provision(ctx context.Context, spec ResourceSpec, region string) (Instance, error) {
	if region == "" {
		region = a.defaultRegion
	}
	name := fmt.Sprintf("bp-%d", time.Now().UnixNano())
	size := selectAzureVMSize(spec)

	body := map[string]interface{}{
		"location": region,
		"properties": map[string]interface{}{
			"hardwareProfile": map[string]string{"vmSize": size},
			"storageProfile": map[string]interface{}{
				"imageReference": map[string]string{
					"publisher": "canonical",
					"offer":     "0001-com-ubuntu-server-jammy",
					"sku":       "22_04-lts-gen2",
					"version":   "latest",
				},
				"osDisk": map[string]interface{}{
					"createOption": "FromImage",
					"diskSizeGB":   spec.DiskGB,
				},
			},
			"osProfile": map[string]interface{}{
				"computerName":  name,
				"adminUsername": "blueprint",
			},
		},
	}

	resp, err := a.do(ctx, http.MethodPut, a.armURL("/providers/Microsoft.Compute/virtualMachines/%s", name), body, "2023-09-01")
	if err != nil {
		return Instance{}, err
	}
	defer resp.Body.Close()
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusCreated, http.StatusAccepted) {
		return Instance{}, apperrors.New(apperrors.KindTransport, fmt.Sprintf("azure provision failed with status %d", resp.StatusCode))
	}

	return Instance{ID: name, Region: region, Status: StatusStarting}, nil
}

// Terminate deallocates and deletes the VM. Idempotent: a 404 from ARM is
// treated as already-terminated, not an error.
func (a *AzureAdapter) Terminate(ctx context.Context, instanceID string) error {
	resp, err := a.do(ctx, http.MethodDelete, a.armURL("/providers/Microsoft.Compute/virtualMachines/%s", instanceID), nil, "2023-09-01")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusAccepted, http.StatusNoContent) {
		return apperrors.New(apperrors.KindTransport, fmt.Sprintf("azure terminate failed with status %d", resp.StatusCode))
	}
	return nil
}

// Status maps ARM's instanceView power state codes to InstanceStatus.
func (a *AzureAdapter) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	resp, err := a.do(ctx, http.MethodGet, a.armURL("/providers/Microsoft.Compute/virtualMachines/%s/instanceView", instanceID), nil, "2023-09-01")
	if err != nil {
		return StatusUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return StatusTerminated, nil
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return StatusUnknown, apperrors.New(apperrors.KindTransport, fmt.Sprintf("azure status check failed with status %d", resp.StatusCode))
	}

	var view struct {
		Statuses []struct {
			Code string `json:"code"`
		} `json:"statuses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return StatusUnknown, apperrors.Wrap(apperrors.KindOther, "failed to decode azure instance view", err)
	}
	for _, s := range view.Statuses {
		switch s.Code {
		case "PowerState/running":
			return StatusRunning, nil
		case "PowerState/starting":
			return StatusStarting, nil
		case "PowerState/stopping":
			return StatusStopping, nil
		case "PowerState/stopped", "PowerState/deallocated":
			return StatusStopped, nil
		}
	}
	return StatusUnknown, nil
}

// DeployBlueprint runs the blueprint artifact via Azure's RunCommand
// extension, the ARM-native equivalent of SSH-ing in to start a binary.
func (a *AzureAdapter) DeployBlueprint(ctx context.Context, instanceID string, artifactRef string, env map[string]string) error {
	var script bytes.Buffer
	for k, v := range env {
		fmt.Fprintf(&script, "export %s=%q\n", k, v)
	}
	fmt.Fprintf(&script, "curl -fsSL %q -o /opt/blueprint/bin && chmod +x /opt/blueprint/bin && systemctl restart blueprint\n", artifactRef)

	body := map[string]interface{}{
		"commandId": "RunShellScript",
		"script":    []string{script.String()},
	}
	resp, err := a.do(ctx, http.MethodPost, a.armURL("/providers/Microsoft.Compute/virtualMachines/%s/runCommand", instanceID), body, "2023-09-01")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusAccepted) {
		return apperrors.New(apperrors.KindTransport, fmt.Sprintf("azure deploy failed with status %d", resp.StatusCode))
	}
	return nil
}

// HealthCheck is satisfied by an instance reporting the running power state.
func (a *AzureAdapter) HealthCheck(ctx context.Context, deployment RemoteDeploymentConfig) (bool, error) {
	status, err := a.Status(ctx, deployment.InstanceID)
	if err != nil {
		return false, err
	}
	return status == StatusRunning, nil
}

// ListRegions satisfies RegionLister (spec §4.8b) by listing the
// subscription's available Azure locations.
func (a *AzureAdapter) ListRegions(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("https://management.azure.com/subscriptions/%s/locations", a.subscriptionID)
	resp, err := a.do(ctx, http.MethodGet, url, nil, "2022-12-01")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, apperrors.New(apperrors.KindTransport, fmt.Sprintf("azure list regions failed with status %d", resp.StatusCode))
	}

	var out struct {
		Value []struct {
			Name string `json:"name"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(apperrors.KindOther, "failed to decode azure locations", err)
	}
	regions := make([]string, 0, len(out.Value))
	for _, v := range out.Value {
		regions = append(regions, v.Name)
	}
	return regions, nil
}
