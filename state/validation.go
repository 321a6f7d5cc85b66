package state

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their yaml name
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "hostname_port":
		return "must be in the form host:port"
	}
	return fmt.Sprintf("failed %s validation", e.Tag())
}

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func StaticRouteValidator(r StaticRoute) error {
	if !r.Prefix.IsValid() {
		return fmt.Errorf("static route has no prefix")
	}
	kinds := 0
	for _, set := range []bool{r.Gateway.IsValid(), r.Via.IsValid(), r.Blackhole, r.Reject} {
		if set {
			kinds++
		}
	}
	if kinds > 1 {
		return fmt.Errorf("static route %s: gateway, via, blackhole and reject are mutually exclusive", r.Prefix)
	}
	if kinds == 0 && r.Ifindex == 0 {
		return fmt.Errorf("static route %s: no nexthop", r.Prefix)
	}
	if r.Ifindex != 0 && (r.Via.IsValid() || r.Blackhole || r.Reject) {
		return fmt.Errorf("static route %s: ifindex can only be combined with a gateway", r.Prefix)
	}
	if r.Gateway.IsValid() && r.Gateway.Is4() != r.Prefix.Addr().Is4() {
		return fmt.Errorf("static route %s: gateway %s is of another address family", r.Prefix, r.Gateway)
	}
	if r.Via.IsValid() {
		if r.Via.Addr().Is4() != r.Prefix.Addr().Is4() {
			return fmt.Errorf("static route %s: via %s is of another address family", r.Prefix, r.Via)
		}
		if r.Via.Masked() == r.Prefix.Masked() {
			return fmt.Errorf("static route %s cannot resolve through itself", r.Prefix)
		}
	}
	if r.Multicast && (r.Blackhole || r.Reject) {
		return fmt.Errorf("static route %s: multicast routes must forward", r.Prefix)
	}
	return nil
}

func ConfigValidator(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			field := strings.TrimPrefix(e.Namespace(), "Config.")
			msgs = append(msgs, fmt.Sprintf("%s: %s", field, fieldMessage(e)))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if _, err := cfg.RouteDistances(); err != nil {
		return err
	}
	for _, p := range cfg.ExcludePrefixes {
		if !p.IsValid() {
			return fmt.Errorf("exclude_prefixes contains an invalid prefix")
		}
	}
	for _, r := range cfg.StaticRoutes {
		if err := StaticRouteValidator(r); err != nil {
			return err
		}
	}
	if cfg.LogPath != "" {
		if err := PathValidator(cfg.LogPath); err != nil {
			return fmt.Errorf("log_path: %w", err)
		}
	}
	return nil
}
