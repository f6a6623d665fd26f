package proxmox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberlab/labd/internal/config"
	"github.com/cyberlab/labd/internal/model"
	"github.com/cyberlab/labd/internal/provider"
	"github.com/cyberlab/labd/internal/vdi"
)

// apiServer is a scriptable stand-in for the virtualization API. Handlers
// are keyed by "METHOD path"; every request is recorded.
type apiServer struct {
	t  *testing.T
	mu sync.Mutex

	srv      *httptest.Server
	handlers map[string]http.HandlerFunc
	requests []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Form   url.Values
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	a := &apiServer{t: t, handlers: map[string]http.HandlerFunc{}}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		a.mu.Lock()
		a.requests = append(a.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Form: form})
		h := a.handlers[r.Method+" "+r.URL.Path]
		a.mu.Unlock()
		if h == nil {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *apiServer) handle(method, path string, data any) {
	a.handleFunc(method, path, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, data)
	})
}

func (a *apiServer) handleFunc(method, path string, h http.HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[method+" /api2/json"+path] = h
}

func (a *apiServer) recorded() []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]recordedRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

func writeData(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// fakeTransfer records uploads and remote commands.
type fakeTransfer struct {
	mu       sync.Mutex
	uploads  []string
	payloads [][]byte
	commands []string

	uploadErr error
	execErr   error
	execOut   string
}

func (f *fakeTransfer) Upload(ctx context.Context, r io.Reader, remotePath string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, remotePath)
	f.payloads = append(f.payloads, b)
	return nil
}

func (f *fakeTransfer) Exec(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	return f.execOut, f.execErr
}

func newTestClient(t *testing.T, api *apiServer, ft FileTransfer) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Proxmox.Node = "pve"
	cfg.Proxmox.TaskPollMillis = 1
	cfg.Transfer.RemoteDir = "/var/lib/vz/uploads/"
	c := New(cfg, ft, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.baseURL = api.srv.URL + "/api2/json"
	return c
}

// healthy storage answer reused across tests.
func healthyStorage() []map[string]any {
	return []map[string]any{
		{"storage": "local", "content": "iso,backup", "used_fraction": 0.10},
		{"storage": "local-lvm", "content": "images,rootdir", "used_fraction": 0.42},
	}
}

func stoppedOK() map[string]any {
	return map[string]any{"status": "stopped", "exitstatus": "OK"}
}

func validImage(extra int) []byte {
	buf := make([]byte, vdi.HeaderSize+extra)
	copy(buf, []byte{0x3C, 0x3C, 0x3C, 0x20, 0x4F, 0x72, 0x61, 0x63, 0x6C, 0x65})
	binary.LittleEndian.PutUint64(buf[0x170:], uint64(len(buf)))
	return buf
}

func TestNextIDPicksSmallestFree(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/qemu", []map[string]any{
		{"vmid": 100}, {"vmid": 1001}, {"vmid": 1002}, {"vmid": 1004},
	})
	c := newTestClient(t, api, &fakeTransfer{})

	id, err := c.nextID(context.Background(), provider.MinInstanceVMID, provider.MaxInstanceVMID)
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	if id != 1003 {
		t.Fatalf("nextID = %d, want 1003", id)
	}
}

func TestNextIDExhausted(t *testing.T) {
	taken := make([]map[string]any, 0, 900)
	for id := 101; id <= 1000; id++ {
		taken = append(taken, map[string]any{"vmid": id})
	}
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/qemu", taken)
	c := newTestClient(t, api, &fakeTransfer{})

	_, err := c.nextID(context.Background(), provider.MinTemplateVMID, provider.MaxTemplateVMID)
	if !errors.Is(err, provider.ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
}

func TestAdmission(t *testing.T) {
	tests := []struct {
		name    string
		vols    []map[string]any
		wantErr error
	}{
		{
			name:    "room on images volume",
			vols:    healthyStorage(),
			wantErr: nil,
		},
		{
			name: "nearly full still admits",
			vols: []map[string]any{
				{"storage": "local-lvm", "content": "images", "used_fraction": 0.99},
			},
			wantErr: nil,
		},
		{
			name: "images volume full",
			vols: []map[string]any{
				{"storage": "local", "content": "iso", "used_fraction": 0.10},
				{"storage": "local-lvm", "content": "images", "used_fraction": 1.0},
			},
			wantErr: provider.ErrInsufficientStorage,
		},
		{
			name: "falls back to first volume when none serves images",
			vols: []map[string]any{
				{"storage": "local", "content": "iso", "used_fraction": 1.0},
				{"storage": "backup", "content": "backup", "used_fraction": 0.2},
			},
			wantErr: provider.ErrInsufficientStorage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPIServer(t)
			api.handle(http.MethodGet, "/nodes/pve/storage", tt.vols)
			c := newTestClient(t, api, &fakeTransfer{})

			err := c.admit(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("admit() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAdmissionNoVolumes(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/storage", []map[string]any{})
	c := newTestClient(t, api, &fakeTransfer{})

	if err := c.admit(context.Background()); !errors.Is(err, provider.ErrBackend) {
		t.Fatalf("admit() = %v, want ErrBackend", err)
	}
}

func TestDiskUsagePercent(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/storage", healthyStorage())
	c := newTestClient(t, api, &fakeTransfer{})

	pct, err := c.DiskUsagePercent(context.Background())
	if err != nil {
		t.Fatalf("DiskUsagePercent: %v", err)
	}
	if pct != 42 {
		t.Fatalf("DiskUsagePercent = %d, want 42", pct)
	}
}

func TestCreateInstance(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/storage", healthyStorage())
	api.handle(http.MethodGet, "/nodes/pve/qemu", []map[string]any{{"vmid": 100}, {"vmid": 1001}})
	api.handle(http.MethodPost, "/nodes/pve/qemu/205/clone", "UPID:pve:001:clone")
	api.handle(http.MethodGet, "/nodes/pve/tasks/UPID:pve:001:clone/status", stoppedOK())
	c := newTestClient(t, api, &fakeTransfer{})

	parent := model.VmTemplate{ID: "tpl-1", VMID: 205, Node: "pve"}
	inst, err := c.CreateInstance(context.Background(), parent)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.VMID != 1002 {
		t.Errorf("VMID = %d, want 1002", inst.VMID)
	}
	if inst.Name != "Clone-1002" {
		t.Errorf("Name = %q, want Clone-1002", inst.Name)
	}
	if inst.ParentID != "tpl-1" {
		t.Errorf("ParentID = %q, want tpl-1", inst.ParentID)
	}

	var clone *recordedRequest
	for i, r := range api.recorded() {
		if r.Method == http.MethodPost && strings.HasSuffix(r.Path, "/clone") {
			clone = &api.recorded()[i]
		}
	}
	if clone == nil {
		t.Fatal("no clone request issued")
	}
	if got := clone.Form.Get("newid"); got != "1002" {
		t.Errorf("clone newid = %q, want 1002", got)
	}
	if got := clone.Form.Get("full"); got != "1" {
		t.Errorf("clone full = %q, want 1", got)
	}
	if got := clone.Form.Get("format"); got != "qcow2" {
		t.Errorf("clone format = %q, want qcow2", got)
	}
}

func TestCreateInstanceRejectedWhenDiskFull(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/storage", []map[string]any{
		{"storage": "local-lvm", "content": "images", "used_fraction": 1.0},
	})
	c := newTestClient(t, api, &fakeTransfer{})

	_, err := c.CreateInstance(context.Background(), model.VmTemplate{VMID: 205})
	if !errors.Is(err, provider.ErrInsufficientStorage) {
		t.Fatalf("err = %v, want ErrInsufficientStorage", err)
	}
	for _, r := range api.recorded() {
		if r.Method == http.MethodPost {
			t.Fatalf("clone issued despite failed admission: %s", r.Path)
		}
	}
}

func TestCreateInstanceTaskFailure(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/storage", healthyStorage())
	api.handle(http.MethodGet, "/nodes/pve/qemu", []map[string]any{})
	api.handle(http.MethodPost, "/nodes/pve/qemu/205/clone", "UPID:pve:002:clone")
	api.handle(http.MethodGet, "/nodes/pve/tasks/UPID:pve:002:clone/status",
		map[string]any{"status": "stopped", "exitstatus": "clone failed: no space"})
	c := newTestClient(t, api, &fakeTransfer{})

	_, err := c.CreateInstance(context.Background(), model.VmTemplate{VMID: 205, Node: "pve"})
	if !errors.Is(err, provider.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
}

func TestDeleteInstance(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodDelete, "/nodes/pve/qemu/1002", "UPID:pve:003:destroy")
	api.handle(http.MethodGet, "/nodes/pve/tasks/UPID:pve:003:destroy/status", stoppedOK())
	c := newTestClient(t, api, &fakeTransfer{})

	if err := c.DeleteInstance(context.Background(), 1002); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
}

func TestCreateTemplatePipeline(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/storage", healthyStorage())
	api.handle(http.MethodGet, "/nodes/pve/qemu", []map[string]any{{"vmid": 100}, {"vmid": 101}})
	api.handle(http.MethodPost, "/nodes/pve/qemu/100/clone", "UPID:pve:004:clone")
	api.handle(http.MethodGet, "/nodes/pve/tasks/UPID:pve:004:clone/status", stoppedOK())
	api.handle(http.MethodPut, "/nodes/pve/qemu/102/config", nil)
	ft := &fakeTransfer{}
	c := newTestClient(t, api, ft)

	image := validImage(64)
	tpl, err := c.CreateTemplate(context.Background(), bytes.NewReader(image), "Web Exploit 101", "intro web lab")
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if tpl.VMID != 102 {
		t.Errorf("VMID = %d, want 102", tpl.VMID)
	}
	if tpl.Name != "Web Exploit 101" {
		t.Errorf("Name = %q", tpl.Name)
	}

	if len(ft.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(ft.uploads))
	}
	if !strings.HasPrefix(ft.uploads[0], "/var/lib/vz/uploads/upload-") || !strings.HasSuffix(ft.uploads[0], ".vdi") {
		t.Errorf("staged path = %q", ft.uploads[0])
	}
	if !bytes.Equal(ft.payloads[0], image) {
		t.Errorf("staged payload differs from input: %d bytes vs %d", len(ft.payloads[0]), len(image))
	}

	if len(ft.commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(ft.commands))
	}
	want := fmt.Sprintf("qm importdisk 102 %s local-lvm; rm %s", ft.uploads[0], ft.uploads[0])
	if ft.commands[0] != want {
		t.Errorf("import command = %q, want %q", ft.commands[0], want)
	}

	var cfg *recordedRequest
	for i, r := range api.recorded() {
		if r.Method == http.MethodPut && strings.HasSuffix(r.Path, "/qemu/102/config") {
			cfg = &api.recorded()[i]
		}
	}
	if cfg == nil {
		t.Fatal("imported vm was never configured")
	}
	if got := cfg.Form.Get("scsi0"); got != "local-lvm:vm-102-disk-0" {
		t.Errorf("scsi0 = %q", got)
	}
	if got := cfg.Form.Get("boot"); got != "order=scsi0;ide2;net0" {
		t.Errorf("boot = %q", got)
	}
	if got := cfg.Form.Get("name"); got != "web-exploit-101" {
		t.Errorf("name = %q, want web-exploit-101", got)
	}
}

func TestCreateTemplateRejectsBadImageBeforeTransfer(t *testing.T) {
	mismatched := validImage(0)
	mismatched[0] = 'X'

	oversize := validImage(0)
	binary.LittleEndian.PutUint64(oversize[0x170:], uint64(len(oversize))+1)

	tests := []struct {
		name  string
		image []byte
	}{
		{"mismatched signature", mismatched},
		{"declared size over max", oversize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPIServer(t)
			api.handle(http.MethodGet, "/nodes/pve/storage", healthyStorage())
			ft := &fakeTransfer{}
			c := newTestClient(t, api, ft)
			c.maxUpload = int64(len(tt.image))

			_, err := c.CreateTemplate(context.Background(), bytes.NewReader(tt.image), "bad", "")
			if !errors.Is(err, provider.ErrInvalidUpload) {
				t.Fatalf("err = %v, want ErrInvalidUpload", err)
			}
			if len(ft.uploads) != 0 {
				t.Fatal("image was staged despite failing validation")
			}
			for _, r := range api.recorded() {
				if r.Method == http.MethodPost {
					t.Fatalf("clone issued despite invalid image: %s", r.Path)
				}
			}
		})
	}
}

func TestCreateTemplateImportFailure(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/storage", healthyStorage())
	api.handle(http.MethodGet, "/nodes/pve/qemu", []map[string]any{{"vmid": 100}})
	api.handle(http.MethodPost, "/nodes/pve/qemu/100/clone", "UPID:pve:005:clone")
	api.handle(http.MethodGet, "/nodes/pve/tasks/UPID:pve:005:clone/status", stoppedOK())
	ft := &fakeTransfer{execErr: errors.New("exit status 255"), execOut: "importdisk: cannot stat file"}
	c := newTestClient(t, api, ft)

	_, err := c.CreateTemplate(context.Background(), bytes.NewReader(validImage(0)), "x", "")
	if !errors.Is(err, provider.ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed", err)
	}
	if !strings.Contains(err.Error(), "cannot stat file") {
		t.Errorf("error does not carry command output: %v", err)
	}
}

func TestProvisionLabNetwork(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/cluster/sdn/zones", []map[string]any{
		{"zone": "aa"}, {"zone": "ab"},
	})
	api.handle(http.MethodPost, "/cluster/sdn/zones", nil)
	api.handle(http.MethodPost, "/cluster/sdn/vnets", nil)
	api.handle(http.MethodPost, "/cluster/sdn/vnets/ac/subnets", nil)
	api.handle(http.MethodPut, "/cluster/sdn", nil)
	api.handle(http.MethodPut, "/nodes/pve/qemu/1001/config", nil)
	api.handle(http.MethodPut, "/nodes/pve/qemu/1002/config", nil)
	c := newTestClient(t, api, &fakeTransfer{})

	instances := map[string]model.VmInstance{
		"tpl-b": {VMID: 1002, Node: "pve"},
		"tpl-a": {VMID: 1001, Node: "pve"},
	}
	if err := c.ProvisionLabNetwork(context.Background(), instances); err != nil {
		t.Fatalf("ProvisionLabNetwork: %v", err)
	}

	var zoneCreate, vnetCreate, subnetCreate *recordedRequest
	nics := map[string]string{}
	reloads := 0
	recorded := api.recorded()
	for i := range recorded {
		r := recorded[i]
		switch {
		case r.Method == http.MethodPost && r.Path == "/api2/json/cluster/sdn/zones":
			zoneCreate = &recorded[i]
		case r.Method == http.MethodPost && r.Path == "/api2/json/cluster/sdn/vnets":
			vnetCreate = &recorded[i]
		case r.Method == http.MethodPost && strings.HasSuffix(r.Path, "/subnets"):
			subnetCreate = &recorded[i]
		case r.Method == http.MethodPut && r.Path == "/api2/json/cluster/sdn":
			reloads++
		case r.Method == http.MethodPut && strings.Contains(r.Path, "/config"):
			nics[r.Path] = r.Form.Get("net0")
		}
	}

	if zoneCreate == nil || zoneCreate.Form.Get("zone") != "ac" {
		t.Errorf("zone create = %+v", zoneCreate)
	}
	if zoneCreate.Form.Get("type") != "simple" || zoneCreate.Form.Get("dhcp") != "dnsmasq" {
		t.Errorf("zone params = %v", zoneCreate.Form)
	}
	if vnetCreate == nil || vnetCreate.Form.Get("vnet") != "ac" || vnetCreate.Form.Get("zone") != "ac" {
		t.Errorf("vnet create = %+v", vnetCreate)
	}
	if subnetCreate == nil {
		t.Fatal("subnet never created")
	}
	if got := subnetCreate.Form.Get("subnet"); got != "10.0.0.0/24" {
		t.Errorf("subnet = %q", got)
	}
	if got := subnetCreate.Form.Get("dhcp-range"); got != "start-address=10.0.0.2,end-address=10.0.0.254" {
		t.Errorf("dhcp-range = %q", got)
	}
	if got := subnetCreate.Form.Get("gateway"); got != "10.0.0.1" {
		t.Errorf("gateway = %q", got)
	}
	if reloads != 3 {
		t.Errorf("sdn reloads = %d, want 3 (zone, vnet, subnet)", reloads)
	}

	// Keys sort tpl-a before tpl-b, so 1001 gets the base MAC.
	if got := nics["/api2/json/nodes/pve/qemu/1001/config"]; got != "e1000=BC:24:11:E2:98:10,bridge=ac,firewall=1" {
		t.Errorf("net0 for 1001 = %q", got)
	}
	if got := nics["/api2/json/nodes/pve/qemu/1002/config"]; got != "e1000=BC:24:11:E2:98:11,bridge=ac,firewall=1" {
		t.Errorf("net0 for 1002 = %q", got)
	}
}

func TestProvisionLabNetworkReloadFailureRecordsZone(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/cluster/sdn/zones", []map[string]any{})
	api.handle(http.MethodPost, "/cluster/sdn/zones", nil)
	api.handleFunc(http.MethodPut, "/cluster/sdn", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "reload failed", http.StatusInternalServerError)
	})
	c := newTestClient(t, api, &fakeTransfer{})

	var logs bytes.Buffer
	c.log = slog.New(slog.NewTextHandler(&logs, nil))

	err := c.ProvisionLabNetwork(context.Background(), map[string]model.VmInstance{})
	if !errors.Is(err, provider.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}

	// The zone landed before the reload failed; the orphan must be in the
	// log for manual cleanup.
	if !strings.Contains(logs.String(), "lab_network_partial") {
		t.Errorf("no partial-network record in logs: %s", logs.String())
	}
	if !strings.Contains(logs.String(), "zone=aa") {
		t.Errorf("orphaned zone name missing from logs: %s", logs.String())
	}
}

func TestProvisionLabNetworkVNetFailure(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/cluster/sdn/zones", []map[string]any{})
	api.handle(http.MethodPost, "/cluster/sdn/zones", nil)
	api.handle(http.MethodPut, "/cluster/sdn", nil)
	api.handleFunc(http.MethodPost, "/cluster/sdn/vnets", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "vnet exists", http.StatusBadRequest)
	})
	c := newTestClient(t, api, &fakeTransfer{})

	err := c.ProvisionLabNetwork(context.Background(), map[string]model.VmInstance{})
	if !errors.Is(err, provider.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
}

func TestNextAlpha(t *testing.T) {
	tests := []struct{ in, want string }{
		{"aa", "ab"},
		{"az", "ba"},
		{"by", "bz"},
		{"zz", "aaa"},
		{"aaz", "aba"},
		{"zzz", "aaaa"},
		{"b", "ac"},
		{"z", "aa"},
		{"", "aa"},
	}
	for _, tt := range tests {
		got := nextAlpha(tt.in)
		if got != tt.want {
			t.Errorf("nextAlpha(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if len(got) < 2 {
			t.Errorf("nextAlpha(%q) = %q, shorter than a valid zone name", tt.in, got)
		}
	}
}

func TestLabMAC(t *testing.T) {
	if got := labMAC(0); got != "BC:24:11:E2:98:10" {
		t.Errorf("labMAC(0) = %q", got)
	}
	if got := labMAC(5); got != "BC:24:11:E2:98:15" {
		t.Errorf("labMAC(5) = %q", got)
	}
	// Only the low octet varies; it wraps.
	if got := labMAC(0xF0); got != "BC:24:11:E2:98:00" {
		t.Errorf("labMAC(0xF0) = %q", got)
	}
}

func TestSanitizeVMName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Web Exploit 101", "web-exploit-101"},
		{"SQLi_basics.v2", "sqli-basics-v2"},
		{"---", "template"},
		{"Ünïcode!!", "ncode"},
	}
	for _, tt := range tests {
		if got := sanitizeVMName(tt.in); got != tt.want {
			t.Errorf("sanitizeVMName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConsoleCredentials(t *testing.T) {
	tests := []struct {
		name string
		port any
	}{
		{"numeric port", 5900},
		{"string port", "5900"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPIServer(t)
			api.handle(http.MethodPost, "/nodes/pve/qemu/1002/vncproxy", map[string]any{
				"ticket": "PVEVNC:secret/ticket==",
				"port":   tt.port,
			})
			c := newTestClient(t, api, &fakeTransfer{})

			creds, err := c.ConsoleCredentials(context.Background(), 1002)
			if err != nil {
				t.Fatalf("ConsoleCredentials: %v", err)
			}
			if creds.Port != "5900" {
				t.Errorf("Port = %q, want 5900", creds.Port)
			}
			if creds.Cookie != "PVEAuthCookie=PVEVNC:secret/ticket==" {
				t.Errorf("Cookie = %q", creds.Cookie)
			}
			if !strings.Contains(creds.WebSocketPath, "port=5900") {
				t.Errorf("WebSocketPath = %q", creds.WebSocketPath)
			}
			if !strings.Contains(creds.WebSocketPath, url.QueryEscape("PVEVNC:secret/ticket==")) {
				t.Errorf("ticket not escaped into path: %q", creds.WebSocketPath)
			}
		})
	}
}

func TestWaitForTaskTimeout(t *testing.T) {
	api := newAPIServer(t)
	api.handle(http.MethodGet, "/nodes/pve/tasks/UPID:pve:009:slow/status",
		map[string]any{"status": "running"})
	c := newTestClient(t, api, &fakeTransfer{})
	c.cfg.TaskTimeoutSeconds = 1

	start := time.Now().UTC()
	calls := 0
	c.now = func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * time.Second)
	}

	err := c.waitForTask(context.Background(), "UPID:pve:009:slow")
	if !errors.Is(err, provider.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend timeout", err)
	}
	if !strings.Contains(err.Error(), "did not finish") {
		t.Errorf("unexpected error text: %v", err)
	}
}
