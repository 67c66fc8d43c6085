package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/msageha/orbit/internal/model"
	yamlutil "github.com/msageha/orbit/internal/yaml"
)

func isUnitFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

// unitName is the service name a unit file declares by default: its base name without extension.
func unitName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// readUnit parses one unit file. The service name defaults to the file's base name.
func readUnit(path string) (model.UnitFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.UnitFile{}, err
	}
	var u model.UnitFile
	if err := yamlutil.Decode(content, yamlutil.FileTypeUnit, &u); err != nil {
		return model.UnitFile{}, model.Wrap(model.KindInvalidArgument, "read unit", path, err)
	}
	if u.Service.Name == "" {
		u.Service.Name = unitName(path)
	}
	if err := u.Service.Validate(); err != nil {
		return model.UnitFile{}, err
	}
	if err := u.Config.Validate(); err != nil {
		return model.UnitFile{}, err
	}
	return u, nil
}

// loadUnits registers every unit file in the units directory, in name order.
func (d *Daemon) loadUnits() {
	entries, err := os.ReadDir(d.unitsDir())
	if err != nil {
		d.logger.Errorf("read units dir: %v", err)
		return
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isUnitFile(e.Name()) {
			paths = append(paths, filepath.Join(d.unitsDir(), e.Name()))
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		d.syncUnit(p)
	}
	d.logger.Infof("loaded units=%d services=%d", len(paths), d.manager.Registry().Len())
}

// syncUnit brings the registry in line with one unit file. New services are registered;
// a changed descriptor re-registers a stopped service; a changed config block is applied
// in place and reloads the service when it supports reload.
func (d *Daemon) syncUnit(path string) {
	u, err := readUnit(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		d.logger.Warnf("skip unit file=%s: %v", filepath.Base(path), err)
		return
	}
	name := u.Service.Name
	desc := u.Service.WithDefaults()
	d.unitMu.Lock()
	d.unitPaths[filepath.Clean(path)] = name
	d.unitMu.Unlock()

	svc, ok := d.manager.Registry().Get(name)
	if !ok {
		if err := d.registerUnit(u); err != nil {
			d.logger.Warnf("register unit service=%s: %v", name, err)
		}
		return
	}

	if !reflect.DeepEqual(svc.Descriptor(), desc) {
		if svc.State() != model.ServiceStopped {
			d.logger.Warnf("unit changed service=%s state=%s: descriptor takes effect after stop", name, svc.State())
		} else if err := d.reregister(u); err != nil {
			d.logger.Warnf("re-register unit service=%s: %v", name, err)
			return
		}
	}

	if _, err := d.manager.ApplyConfig(d.ctx, name, u.Config); err != nil {
		d.logger.Warnf("apply config service=%s: %v", name, err)
	}
}

// registerUnit registers a new service. A configuration and enabled flag already persisted
// in the config store take precedence over the unit file's.
func (d *Daemon) registerUnit(u model.UnitFile) error {
	cfg := &u.Config
	enabled := u.Enabled == nil || *u.Enabled
	if e, ok := d.store.Entry(u.Service.Name); ok {
		cfg = nil
		enabled = e.Enabled
	}
	_, err := d.manager.Register(u.Service, cfg, enabled)
	return err
}

func (d *Daemon) reregister(u model.UnitFile) error {
	info, err := d.manager.Get(u.Service.Name)
	if err != nil {
		return err
	}
	if err := d.manager.Unregister(u.Service.Name); err != nil {
		return err
	}
	cfg := u.Config
	if _, err := d.manager.Register(u.Service, &cfg, info.Enabled); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// removeUnit stops and unregisters the service of a deleted unit file.
func (d *Daemon) removeUnit(path string) {
	if _, err := os.Stat(path); err == nil {
		// renamed over or recreated
		d.syncUnit(path)
		return
	}
	name := d.serviceForPath(path)
	if _, ok := d.manager.Registry().Get(name); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.config.Services.StartTimeout())
	defer cancel()
	if err := d.manager.Stop(ctx, name); err != nil {
		d.logger.Warnf("stop removed service=%s: %v", name, err)
		return
	}
	if err := d.manager.Unregister(name); err != nil {
		d.logger.Warnf("unregister removed service=%s: %v", name, err)
		return
	}
	d.logger.Infof("unit removed service=%s", name)
}

// serviceForPath maps a removed unit file back to its service. A unit that declared a name
// other than its file name is found through the path index filled by syncUnit.
func (d *Daemon) serviceForPath(path string) string {
	d.unitMu.Lock()
	defer d.unitMu.Unlock()
	if name, ok := d.unitPaths[filepath.Clean(path)]; ok {
		delete(d.unitPaths, filepath.Clean(path))
		return name
	}
	return unitName(path)
}
