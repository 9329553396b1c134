package throttle

import (
	"errors"
	"fmt"
	"sync"
)

// Manager coordinates upload and download throttling backends. Each
// throttle remembers which backend created it via the routing tables below,
// so changing the default backend only affects throttles applied after the
// change — existing ones keep running on whatever backend they started on.
// This is what lets multiple backends coexist on one host.
type Manager struct {
	mu sync.Mutex

	uploadFactories   map[string]UploadFactory
	downloadFactories map[string]DownloadFactory

	uploadBackends   map[string]UploadBackend
	downloadBackends map[string]DownloadBackend

	uploadRoute   map[int]string // pid -> backend name
	downloadRoute map[int]string

	processNames map[int]string

	defaultUpload   string
	defaultDownload string
}

func NewManager() *Manager {
	return &Manager{
		uploadFactories:   make(map[string]UploadFactory),
		downloadFactories: make(map[string]DownloadFactory),
		uploadBackends:    make(map[string]UploadBackend),
		downloadBackends:  make(map[string]DownloadBackend),
		uploadRoute:       make(map[int]string),
		downloadRoute:     make(map[int]string),
		processNames:      make(map[int]string),
	}
}

// RegisterUploadBackend adds a lazily-constructed upload backend to the
// pool. It does not change the default.
func (m *Manager) RegisterUploadBackend(name string, f UploadFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadFactories[name] = f
}

// RegisterDownloadBackend adds a lazily-constructed download backend to the
// pool. It does not change the default.
func (m *Manager) RegisterDownloadBackend(name string, f DownloadFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadFactories[name] = f
}

// SetDefaultUploadBackend selects which registered backend new upload
// throttles will use. It does not migrate throttles already routed to a
// different backend.
func (m *Manager) SetDefaultUploadBackend(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploadFactories[name]; !ok {
		return ErrBackendUnavailable(name, "not registered")
	}
	m.defaultUpload = name
	return nil
}

func (m *Manager) SetDefaultDownloadBackend(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.downloadFactories[name]; !ok {
		return ErrBackendUnavailable(name, "not registered")
	}
	m.defaultDownload = name
	return nil
}

// DefaultBackends returns the current default backend names for new
// throttles.
func (m *Manager) DefaultBackends() (upload, download string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultUpload, m.defaultDownload
}

func (m *Manager) getOrCreateUpload(name string) (UploadBackend, error) {
	if b, ok := m.uploadBackends[name]; ok {
		return b, nil
	}
	factory, ok := m.uploadFactories[name]
	if !ok {
		return nil, ErrBackendUnavailable(name, "no factory registered")
	}
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("init upload backend %s: %w", name, err)
	}
	m.uploadBackends[name] = b
	return b, nil
}

func (m *Manager) getOrCreateDownload(name string) (DownloadBackend, error) {
	if b, ok := m.downloadBackends[name]; ok {
		return b, nil
	}
	factory, ok := m.downloadFactories[name]
	if !ok {
		return nil, ErrBackendUnavailable(name, "no factory registered")
	}
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("init download backend %s: %w", name, err)
	}
	m.downloadBackends[name] = b
	return b, nil
}

// ThrottleProcess applies limit to pid using the current default backends.
// Partial success is preserved: if the upload direction applies but the
// download direction fails, the upload routing entry still exists so
// RemoveThrottle can clean it up later.
func (m *Manager) ThrottleProcess(pid int, processName string, limit ThrottleLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processNames[pid] = processName

	var errs []error
	applied := false

	if limit.UploadBps != nil {
		if m.defaultUpload == "" {
			errs = append(errs, ErrBackendUnavailable("", "no default upload backend set"))
		} else if backend, err := m.getOrCreateUpload(m.defaultUpload); err != nil {
			errs = append(errs, err)
		} else if !backend.SupportsTrafficType(limit.TrafficType) {
			errs = append(errs, ErrUnsupportedTrafficType(m.defaultUpload, pid, limit.TrafficType))
		} else if err := backend.ThrottleUpload(pid, processName, *limit.UploadBps, limit.TrafficType); err != nil {
			errs = append(errs, err)
		} else {
			m.uploadRoute[pid] = m.defaultUpload
			applied = true
		}
	}

	if limit.DownloadBps != nil {
		if m.defaultDownload == "" {
			errs = append(errs, ErrBackendUnavailable("", "no default download backend set"))
		} else if backend, err := m.getOrCreateDownload(m.defaultDownload); err != nil {
			errs = append(errs, err)
		} else if !backend.SupportsTrafficType(limit.TrafficType) {
			errs = append(errs, ErrUnsupportedTrafficType(m.defaultDownload, pid, limit.TrafficType))
		} else if err := backend.ThrottleDownload(pid, processName, *limit.DownloadBps, limit.TrafficType); err != nil {
			errs = append(errs, err)
		} else {
			m.downloadRoute[pid] = m.defaultDownload
			applied = true
		}
	}

	if !applied && (limit.UploadBps != nil || limit.DownloadBps != nil) {
		return fmt.Errorf("no throttling backends available: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RemoveThrottle removes both directions of throttling for pid, routed to
// whichever backend created each, and always clears the process-name entry
// even if a backend-level removal fails.
func (m *Manager) RemoveThrottle(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	if name, ok := m.uploadRoute[pid]; ok {
		delete(m.uploadRoute, pid)
		if backend, ok := m.uploadBackends[name]; ok {
			if err := backend.RemoveUploadThrottle(pid); err != nil {
				errs = append(errs, fmt.Errorf("remove upload throttle for pid %d from %s: %w", pid, name, err))
			}
		}
	}

	if name, ok := m.downloadRoute[pid]; ok {
		delete(m.downloadRoute, pid)
		if backend, ok := m.downloadBackends[name]; ok {
			if err := backend.RemoveDownloadThrottle(pid); err != nil {
				errs = append(errs, fmt.Errorf("remove download throttle for pid %d from %s: %w", pid, name, err))
			}
		}
	}

	delete(m.processNames, pid)
	return errors.Join(errs...)
}

// GetThrottle joins the routing tables and cached process name for pid.
func (m *Manager) GetThrottle(pid int) (ActiveThrottle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var upload, download *uint64
	if name, ok := m.uploadRoute[pid]; ok {
		if backend, ok := m.uploadBackends[name]; ok {
			if bps, ok := backend.GetUploadThrottle(pid); ok {
				upload = &bps
			}
		}
	}
	if name, ok := m.downloadRoute[pid]; ok {
		if backend, ok := m.downloadBackends[name]; ok {
			if bps, ok := backend.GetDownloadThrottle(pid); ok {
				download = &bps
			}
		}
	}
	if upload == nil && download == nil {
		return ActiveThrottle{}, false
	}
	return ActiveThrottle{
		PID:         pid,
		ProcessName: m.processNames[pid],
		UploadBps:   upload,
		DownloadBps: download,
	}, true
}

// AllThrottles merges the upload and download throttle sets from every
// constructed backend into one view keyed by PID.
func (m *Manager) AllThrottles() map[int]ActiveThrottle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]ActiveThrottle)
	for _, backend := range m.uploadBackends {
		for pid, bps := range backend.AllUploadThrottles() {
			bps := bps
			at := out[pid]
			at.PID = pid
			at.ProcessName = m.processNames[pid]
			at.UploadBps = &bps
			out[pid] = at
		}
	}
	for _, backend := range m.downloadBackends {
		for pid, bps := range backend.AllDownloadThrottles() {
			bps := bps
			at := out[pid]
			at.PID = pid
			at.ProcessName = m.processNames[pid]
			at.DownloadBps = &bps
			out[pid] = at
		}
	}
	return out
}

// Cleanup invokes Cleanup on every constructed backend in both pools and
// aggregates any errors.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, backend := range m.uploadBackends {
		if err := backend.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup upload backend %s: %w", name, err))
		}
	}
	for name, backend := range m.downloadBackends {
		if err := backend.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup download backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close is the idiomatic substitute for the teacher's destructor-driven
// cleanup: callers defer Close() on a Manager the same way they would any
// io.Closer, rather than relying on a Drop implementation Go doesn't have.
func (m *Manager) Close() error {
	return m.Cleanup()
}

// CurrentUploadBackendSupports reports whether the default upload backend
// can filter by tt, constructing it first if it hasn't been used yet.
func (m *Manager) CurrentUploadBackendSupports(tt TrafficType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultUpload == "" {
		return false
	}
	b, err := m.getOrCreateUpload(m.defaultUpload)
	return err == nil && b.SupportsTrafficType(tt)
}

// CurrentDownloadBackendSupports reports whether the default download
// backend can filter by tt, constructing it first if it hasn't been used yet.
func (m *Manager) CurrentDownloadBackendSupports(tt TrafficType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultDownload == "" {
		return false
	}
	b, err := m.getOrCreateDownload(m.defaultDownload)
	return err == nil && b.SupportsTrafficType(tt)
}

// FindCompatibleUploadBackends returns the names of every registered upload
// backend that supports tt, probing factories that haven't been constructed
// yet so the result reflects all registered backends, not just active ones.
func (m *Manager) FindCompatibleUploadBackends(tt TrafficType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.uploadFactories {
		backend, err := m.getOrCreateUpload(name)
		if err != nil {
			continue
		}
		if backend.SupportsTrafficType(tt) {
			names = append(names, name)
		}
	}
	return names
}

// FindCompatibleDownloadBackends returns the names of every registered
// download backend that supports tt.
func (m *Manager) FindCompatibleDownloadBackends(tt TrafficType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.downloadFactories {
		backend, err := m.getOrCreateDownload(name)
		if err != nil {
			continue
		}
		if backend.SupportsTrafficType(tt) {
			names = append(names, name)
		}
	}
	return names
}

// SelectBest picks the highest-priority available backend from infos,
// unless preferred names one that is itself available, the same precedence
// socketmap.SelectBest uses for mappers.
func SelectBest(infos []BackendInfo, preferred string) (string, bool) {
	if preferred != "" {
		for _, info := range infos {
			if info.Name == preferred && info.Available {
				return info.Name, true
			}
		}
	}

	var best *BackendInfo
	for i := range infos {
		if !infos[i].Available {
			continue
		}
		if best == nil || infos[i].Priority > best.Priority {
			best = &infos[i]
		}
	}
	if best == nil {
		return "", false
	}
	return best.Name, true
}

// ListUploadBackends reports name, priority, and availability for every
// registered upload backend, constructing each lazily if it hasn't been
// used yet. Intended for a CLI's "--list-backends" surface.
func (m *Manager) ListUploadBackends() []BackendInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]BackendInfo, 0, len(m.uploadFactories))
	for name := range m.uploadFactories {
		backend, err := m.getOrCreateUpload(name)
		if err != nil {
			infos = append(infos, BackendInfo{Name: name, Reason: err.Error()})
			continue
		}
		infos = append(infos, BackendInfo{
			Name:      name,
			Priority:  backend.Priority(),
			Available: backend.IsAvailable(),
			Reason:    backend.UnavailableReason(),
		})
	}
	return infos
}

// ListDownloadBackends is ListUploadBackends for the download pool.
func (m *Manager) ListDownloadBackends() []BackendInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]BackendInfo, 0, len(m.downloadFactories))
	for name := range m.downloadFactories {
		backend, err := m.getOrCreateDownload(name)
		if err != nil {
			infos = append(infos, BackendInfo{Name: name, Reason: err.Error()})
			continue
		}
		infos = append(infos, BackendInfo{
			Name:      name,
			Priority:  backend.Priority(),
			Available: backend.IsAvailable(),
			Reason:    backend.UnavailableReason(),
		})
	}
	return infos
}

// ActiveBackendStats counts, per backend name, how many PIDs currently
// route through it across both directions.
func (m *Manager) ActiveBackendStats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]int)
	for _, name := range m.uploadRoute {
		stats[name]++
	}
	for _, name := range m.downloadRoute {
		stats[name]++
	}
	return stats
}

// PIDsForBackend returns the distinct PIDs currently routed to name in
// either direction.
func (m *Manager) PIDsForBackend(name string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int]struct{})
	for pid, n := range m.uploadRoute {
		if n == name {
			seen[pid] = struct{}{}
		}
	}
	for pid, n := range m.downloadRoute {
		if n == name {
			seen[pid] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	return out
}
