package hypervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"unimanager/internal/domain"
)

// ProxmoxClient speaks the Proxmox VE JSON API with an API token.
type ProxmoxClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewProxmoxClient(apiURL, token string, verifySSL bool) *ProxmoxClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &ProxmoxClient{
		baseURL:    strings.TrimRight(apiURL, "/") + "/api2/json",
		token:      token,
		httpClient: &http.Client{Transport: transport},
	}
}

func (c *ProxmoxClient) do(ctx context.Context, method, path string, form url.Values, target interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "PVEAPIToken="+c.token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if target == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return json.Unmarshal(envelope.Data, target)
}

func (c *ProxmoxClient) TestConnection(ctx context.Context) (Version, error) {
	var v Version
	err := c.do(ctx, http.MethodGet, "/version", nil, &v)
	return v, err
}

func (c *ProxmoxClient) ListNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes)
	return nodes, err
}

// NextID accepts the id either as a JSON string, as Proxmox sends it, or
// as a number.
func (c *ProxmoxClient) NextID(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil, &raw); err != nil {
		return 0, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.Atoi(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("unexpected nextid payload %s", raw)
	}
	return n, nil
}

func (c *ProxmoxClient) CreateVM(ctx context.Context, node string, spec VMSpec) error {
	if spec.TemplateID > 0 {
		form := url.Values{}
		form.Set("newid", strconv.Itoa(spec.VMID))
		form.Set("name", spec.Name)
		form.Set("full", "1")
		if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/clone", node, spec.TemplateID), form, nil); err != nil {
			return err
		}
		return c.configure(ctx, node, spec.VMID, spec.Resources)
	}

	form := url.Values{}
	form.Set("vmid", strconv.Itoa(spec.VMID))
	form.Set("name", spec.Name)
	form.Set("cores", strconv.Itoa(spec.Resources.CPUCores))
	form.Set("memory", strconv.Itoa(spec.Resources.RAMMB))
	form.Set("scsihw", "virtio-scsi-pci")
	form.Set("boot", "order=scsi0")
	form.Set("scsi0", fmt.Sprintf("local-lvm:%d", spec.Resources.DiskGB))
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu", node), form, nil)
}

func (c *ProxmoxClient) configure(ctx context.Context, node string, vmid int, r domain.Resources) error {
	form := url.Values{}
	if r.CPUCores > 0 {
		form.Set("cores", strconv.Itoa(r.CPUCores))
	}
	if r.RAMMB > 0 {
		form.Set("memory", strconv.Itoa(r.RAMMB))
	}
	if len(form) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), form, nil)
}

func (c *ProxmoxClient) action(ctx context.Context, node string, vmid int, action string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", node, vmid, action), url.Values{}, nil)
}

func (c *ProxmoxClient) StartVM(ctx context.Context, node string, vmid int) error {
	return c.action(ctx, node, vmid, "start")
}

func (c *ProxmoxClient) StopVM(ctx context.Context, node string, vmid int) error {
	return c.action(ctx, node, vmid, "stop")
}

func (c *ProxmoxClient) RebootVM(ctx context.Context, node string, vmid int) error {
	return c.action(ctx, node, vmid, "reboot")
}

func (c *ProxmoxClient) SuspendVM(ctx context.Context, node string, vmid int) error {
	return c.action(ctx, node, vmid, "suspend")
}

func (c *ProxmoxClient) ResumeVM(ctx context.Context, node string, vmid int) error {
	return c.action(ctx, node, vmid, "resume")
}

func (c *ProxmoxClient) DeleteVM(ctx context.Context, node string, vmid int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%s/qemu/%d", node, vmid), nil, nil)
}

// ResizeVM sets cores and memory through the config endpoint and grows the
// boot disk through the resize endpoint. Disks never shrink.
func (c *ProxmoxClient) ResizeVM(ctx context.Context, node string, vmid int, r domain.Resources) error {
	if err := c.configure(ctx, node, vmid, r); err != nil {
		return err
	}
	if r.DiskGB <= 0 {
		return nil
	}
	form := url.Values{}
	form.Set("disk", "scsi0")
	form.Set("size", fmt.Sprintf("%dG", r.DiskGB))
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/resize", node, vmid), form, nil)
}

func (c *ProxmoxClient) GetStatus(ctx context.Context, node string, vmid int) (Status, error) {
	var s Status
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", node, vmid), nil, &s)
	return s, err
}
