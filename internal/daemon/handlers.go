package daemon

import (
	"context"
	"os"

	"github.com/msageha/orbit/internal/configstore"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/pool"
	"github.com/msageha/orbit/internal/sched"
	"github.com/msageha/orbit/internal/service"
	"github.com/msageha/orbit/internal/status"
	"github.com/msageha/orbit/internal/uds"
)

// DefaultLogLines is how many journal entries svc.logs returns when no count is given.
const DefaultLogLines = 50

// ListParams filters svc.list.
type ListParams struct {
	State       string `json:"state,omitempty"`
	Type        string `json:"type,omitempty"`
	Tag         string `json:"tag,omitempty"`
	EnabledOnly bool   `json:"enabled_only,omitempty"`
}

// ServiceParams names the service a command acts on.
type ServiceParams struct {
	Name string `json:"name"`
}

type LogsParams struct {
	Name  string `json:"name,omitempty"`
	Lines int    `json:"lines,omitempty"`
}

// ConfigParams addresses one configuration key. Value is parsed with model.ParseValue.
type ConfigParams struct {
	Name  string `json:"name"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// ConfigEntry is one key of the svc.config.get reply. Secrets are masked.
type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SelectParams struct {
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
}

type PolicyParams struct {
	Policy string `json:"policy"`
}

type CPUParams struct {
	CPU int `json:"cpu"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.daemonStatus())
	})
	d.server.Handle("shutdown", func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("svc.list", d.handleList)
	d.server.Handle("svc.status", d.handleStatus)
	d.server.Handle("svc.start", d.lifecycle(d.manager.Start))
	d.server.Handle("svc.stop", d.lifecycle(d.manager.Stop))
	d.server.Handle("svc.restart", d.lifecycle(d.manager.Restart))
	d.server.Handle("svc.reload", d.lifecycle(d.manager.Reload))
	d.server.Handle("svc.enable", d.lifecycle(func(_ context.Context, name string) error { return d.manager.Enable(name) }))
	d.server.Handle("svc.disable", d.lifecycle(func(_ context.Context, name string) error { return d.manager.Disable(name) }))
	d.server.Handle("svc.reset", d.lifecycle(func(_ context.Context, name string) error { return d.manager.ResetRecovery(name) }))
	d.server.Handle("svc.probe", d.handleProbe)
	d.server.Handle("svc.logs", d.handleLogs)
	d.server.Handle("svc.config.get", d.handleConfigGet)
	d.server.Handle("svc.config.set", d.handleConfigSet)
	d.server.Handle("svc.config.unset", d.handleConfigUnset)
	d.server.Handle("svc.select", d.handleSelect)

	d.server.Handle("sched.top", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(status.Top{Stats: d.sched.Stats(), CPUs: d.sched.Snapshot()})
	})
	d.server.Handle("sched.threads", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.sched.Threads())
	})
	d.server.Handle("sched.switches", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.switches.Records())
	})
	d.server.Handle("sched.set_policy", d.handleSetPolicy)
	d.server.Handle("cpu.online", d.cpuOp(d.sched.OnlineCPU))
	d.server.Handle("cpu.offline", d.cpuOp(d.sched.OfflineCPU))
}

func (d *Daemon) daemonStatus() status.Daemon {
	return status.Daemon{
		Running:  true,
		Pid:      os.Getpid(),
		Started:  d.started,
		Policy:   d.sched.Policy().String(),
		CPUs:     d.sched.NumCPUs(),
		Services: d.manager.Registry().Len(),

		EventsDropped: d.bus.Dropped(),
	}
}

func badParams(err error) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeBadParams, err.Error())
}

func bindService(req *uds.Request, op string) (string, *uds.Response) {
	var p ServiceParams
	if err := req.Bind(&p); err != nil {
		return "", badParams(err)
	}
	if p.Name == "" {
		return "", uds.ErrorFrom(model.Errorf(model.KindInvalidArgument, op, "", "service name is required"))
	}
	return p.Name, nil
}

// lifecycle adapts a manager operation to a handler replying with the service's new state.
func (d *Daemon) lifecycle(op func(ctx context.Context, name string) error) uds.HandlerFunc {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		name, resp := bindService(req, req.Command)
		if resp != nil {
			return resp
		}
		if err := op(ctx, name); err != nil {
			return uds.ErrorFrom(err)
		}
		info, err := d.manager.Get(name)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(info)
	}
}

func (d *Daemon) handleList(_ context.Context, req *uds.Request) *uds.Response {
	var p ListParams
	if err := req.Bind(&p); err != nil {
		return badParams(err)
	}
	f := service.Filter{Tag: p.Tag, EnabledOnly: p.EnabledOnly}
	if p.State != "" {
		st, err := model.ParseServiceState(p.State)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		f.State = st
	}
	if p.Type != "" {
		f.Type = model.ServiceType(p.Type)
	}
	infos := d.manager.List(f)
	if infos == nil {
		infos = []service.Info{}
	}
	return uds.SuccessResponse(infos)
}

func (d *Daemon) handleStatus(_ context.Context, req *uds.Request) *uds.Response {
	name, resp := bindService(req, "status")
	if resp != nil {
		return resp
	}
	info, err := d.manager.Get(name)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	history, err := d.manager.HealthHistory(info.Name)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	detail := status.ServiceDetail{
		Info:    info,
		History: history,
		Faults:  d.manager.Faults(info.Name),
	}
	if entries, err := d.maskedConfig(info.Name); err == nil && len(entries) > 0 {
		detail.Config = make(map[string]string, len(entries))
		for _, e := range entries {
			detail.Config[e.Key] = e.Value
		}
	}
	return uds.SuccessResponse(detail)
}

func (d *Daemon) maskedConfig(name string) ([]ConfigEntry, error) {
	keys, err := d.store.Keys(name)
	if err != nil {
		return nil, err
	}
	out := make([]ConfigEntry, 0, len(keys))
	for _, k := range keys {
		v, err := d.store.Get(name, k)
		if err != nil {
			return nil, err
		}
		out = append(out, ConfigEntry{Key: k, Value: configstore.Masked(k, v)})
	}
	return out, nil
}

func (d *Daemon) handleProbe(ctx context.Context, req *uds.Request) *uds.Response {
	name, resp := bindService(req, "probe")
	if resp != nil {
		return resp
	}
	res, err := d.manager.ProbeNow(ctx, name)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleLogs(_ context.Context, req *uds.Request) *uds.Response {
	var p LogsParams
	if err := req.Bind(&p); err != nil {
		return badParams(err)
	}
	subject := p.Name
	if subject != "" {
		info, err := d.manager.Get(subject)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		subject = info.Name
	}
	n := p.Lines
	if n == 0 {
		n = DefaultLogLines
	}
	entries, err := d.journal.Tail(subject, n)
	if err != nil {
		return uds.ErrorFrom(model.Wrap(model.KindInternal, "logs", subject, err))
	}
	return uds.SuccessResponse(entries)
}

func (d *Daemon) handleConfigGet(_ context.Context, req *uds.Request) *uds.Response {
	var p ConfigParams
	if err := req.Bind(&p); err != nil {
		return badParams(err)
	}
	info, err := d.manager.Get(p.Name)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	if p.Key == "" {
		entries, err := d.maskedConfig(info.Name)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(entries)
	}
	v, err := d.store.Get(info.Name, p.Key)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse([]ConfigEntry{{Key: p.Key, Value: configstore.Masked(p.Key, v)}})
}

func (d *Daemon) handleConfigSet(ctx context.Context, req *uds.Request) *uds.Response {
	var p ConfigParams
	if err := req.Bind(&p); err != nil {
		return badParams(err)
	}
	if p.Key == "" {
		return uds.ErrorFrom(model.Errorf(model.KindInvalidArgument, "config set", p.Name, "key is required"))
	}
	cfg, err := d.manager.UpdateConfig(ctx, p.Name, p.Key, model.ParseValue(p.Value))
	return d.configReply(cfg, err)
}

func (d *Daemon) handleConfigUnset(ctx context.Context, req *uds.Request) *uds.Response {
	var p ConfigParams
	if err := req.Bind(&p); err != nil {
		return badParams(err)
	}
	cfg, err := d.manager.UnsetConfig(ctx, p.Name, p.Key)
	return d.configReply(cfg, err)
}

// configReply persists the store after a change. A reload failure still leaves the new
// configuration recorded, so the store is saved before the error is reported.
func (d *Daemon) configReply(cfg model.ServiceConfig, err error) *uds.Response {
	if cfg.Version > 0 {
		if serr := d.store.Save(); serr != nil {
			d.logger.Errorf("save config store: %v", serr)
		}
	}
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(map[string]int{"version": cfg.Version})
}

// handleSelect routes one request through the service's pool and releases it at once.
func (d *Daemon) handleSelect(_ context.Context, req *uds.Request) *uds.Response {
	var p SelectParams
	if err := req.Bind(&p); err != nil {
		return badParams(err)
	}
	pl, err := d.manager.Pool(p.Name)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	inst, err := pl.Select(p.Key)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	if err := pl.Release(inst.ID, true, 0); err != nil {
		d.logger.Warnf("release instance=%d: %v", uint64(inst.ID), err)
	}
	return uds.SuccessResponse(struct {
		Instance pool.Instance   `json:"instance"`
		Pool     []pool.Instance `json:"pool"`
	}{inst, pl.Instances()})
}

func (d *Daemon) handleSetPolicy(_ context.Context, req *uds.Request) *uds.Response {
	var p PolicyParams
	if err := req.Bind(&p); err != nil {
		return badParams(err)
	}
	policy, err := sched.ParsePolicy(p.Policy)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	if err := d.sched.SetPolicy(policy); err != nil {
		return uds.ErrorFrom(err)
	}
	d.logger.Infof("scheduling policy set to %s", policy)
	return uds.SuccessResponse(d.sched.Stats())
}

func (d *Daemon) cpuOp(op func(model.CPUID) error) uds.HandlerFunc {
	return func(_ context.Context, req *uds.Request) *uds.Response {
		var p CPUParams
		if err := req.Bind(&p); err != nil {
			return badParams(err)
		}
		if err := op(model.CPUID(p.CPU)); err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(d.sched.Snapshot())
	}
}
