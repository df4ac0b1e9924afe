package deploy

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"
)

type reverseProxy interface {
	// configure installs and activates the site of r's domain, returning
	// the collected command output
	configure(ctx context.Context, r *run) (string, error)
}

func proxyFor(kind string) (reverseProxy, error) {
	switch kind {
	case "", "nginx":
		return nginxProxy{}, nil
	case "caddy":
		return caddyProxy{}, nil
	}
	return nil, fmt.Errorf("unknown proxy kind %q", kind)
}

type site struct {
	Domain string
	Port   int
}

var nginxSite = template.Must(template.New("nginx").Parse(`server {
    listen 80;
    server_name {{.Domain}};

    client_max_body_size 50m;

    location / {
        proxy_pass http://127.0.0.1:{{.Port}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_read_timeout 300s;
    }
}
`))

var caddySite = template.Must(template.New("caddy").Parse(`{{.Domain}} {
    reverse_proxy 127.0.0.1:{{.Port}}
    encode gzip
}
`))

func render(t *template.Template, s site) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("render %s site: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

type nginxProxy struct{}

func (nginxProxy) configure(ctx context.Context, r *run) (string, error) {
	domain := r.inst.Domain
	conf, err := render(nginxSite, site{Domain: domain, Port: r.inst.AppPort})
	if err != nil {
		return "", err
	}

	final := "/etc/nginx/sites-enabled/" + domain
	tmp := final + ".tmp"
	if err := r.exec.WriteFile(ctx, conf, tmp, 0o644); err != nil {
		return "", fmt.Errorf("write nginx site: %w", err)
	}

	test := r.sh(ctx, "nginx -t", quickTimeout, "")
	if !test.OK() {
		r.sh(ctx, "rm -f "+shellescape.Quote(tmp), quickTimeout, "")
		return output(test), fmt.Errorf("nginx config test failed")
	}

	var out []string
	out = append(out, output(test))

	res := r.sh(ctx, fmt.Sprintf("mv %s %s && systemctl reload nginx", shellescape.Quote(tmp), shellescape.Quote(final)), quickTimeout, "")
	out = append(out, output(res))
	if !res.OK() {
		return strings.Join(out, "\n"), fmt.Errorf("nginx reload failed")
	}

	// certificates fail until DNS points here
	cert := fmt.Sprintf("certbot --nginx -d %s --non-interactive --agree-tos --redirect --register-unsafely-without-email || true",
		shellescape.Quote(domain))
	res = r.sh(ctx, cert, bootstrapTimeout, "")
	out = append(out, output(res))

	return tail(strings.Join(out, "\n"), outputTail), nil
}

type caddyProxy struct{}

func (caddyProxy) configure(ctx context.Context, r *run) (string, error) {
	domain := r.inst.Domain
	conf, err := render(caddySite, site{Domain: domain, Port: r.inst.AppPort})
	if err != nil {
		return "", err
	}

	final := "/etc/caddy/sites-enabled/" + domain
	prev, hadPrev, err := r.exec.ReadFile(ctx, final)
	if err != nil {
		return "", fmt.Errorf("read caddy site: %w", err)
	}
	if err := r.exec.WriteFile(ctx, conf, final, 0o644); err != nil {
		return "", fmt.Errorf("write caddy site: %w", err)
	}

	res := r.sh(ctx, "caddy validate --config /etc/caddy/Caddyfile", quickTimeout, "")
	if !res.OK() {
		// the Caddyfile imports sites-enabled, put back what validated before
		if hadPrev {
			if err := r.exec.WriteFile(ctx, prev, final, 0o644); err != nil {
				return output(res), fmt.Errorf("caddy config validation failed, restore of %s failed: %w", final, err)
			}
		} else {
			r.sh(ctx, "rm -f "+shellescape.Quote(final), quickTimeout, "")
		}
		return output(res), fmt.Errorf("caddy config validation failed")
	}
	out := output(res)

	res = r.sh(ctx, "systemctl reload caddy", quickTimeout, "")
	out = joinOutput(out, output(res))
	if !res.OK() {
		return out, fmt.Errorf("caddy reload failed")
	}
	return tail(out, outputTail), nil
}
