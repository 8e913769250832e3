package controllers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/watchtower/internal/backend"
	"github.com/pitabwire/watchtower/model"
)

func seedProxies(h *harness) {
	h.backend.Put(KindProxy,
		model.Record{"id": "30", "name": "proxy-east", "operating_mode": ProxyActive},
		model.Record{"id": "31", "name": "proxy-west", "operating_mode": ProxyPassive},
		model.Record{"id": "32", "name": "proxy-lab", "operating_mode": ProxyActive},
	)
	h.backend.Put(KindHost, model.Record{"id": "10", "host": "web01", "proxyid": "30"})
	h.grant("a-1", KindProxy, backend.RightWrite, "30", "31", "32")
	h.backend.ResetCalls()
}

func TestProxyList_UsersAreRedirectedToDashboards(t *testing.T) {
	h := newHarness(t)
	seedProxies(h)

	res, run := h.run(userCtx("u-1"), ActionProxyList, nil)

	assert.False(t, run.Decision().Allowed)
	assert.Equal(t, model.ResultRedirect, res.Kind)
	assert.Equal(t, "dashboard.list", res.Target)
	assert.Empty(t, h.backend.Calls())
}

func TestProxyList_FilterAndHostCounts(t *testing.T) {
	h := newHarness(t)
	seedProxies(h)

	res, _ := h.run(adminCtx("a-1"), ActionProxyList, map[string]any{
		"filter_set":            "1",
		"filter_operating_mode": ProxyActive,
	})

	require.Equal(t, model.ResultRender, res.Kind)
	proxies := res.Data["proxies"].([]map[string]any)
	require.Len(t, proxies, 2)
	assert.Equal(t, "proxy-east", proxies[0]["name"])
	assert.Equal(t, map[string]int{"30": 1, "32": 0}, res.Data["hosts"])
}

func TestProxyDelete_ProxyInUseFails(t *testing.T) {
	h := newHarness(t)
	seedProxies(h)

	res, run := h.run(adminCtx("a-1"), ActionProxyDelete, map[string]any{"proxyids": []any{"30", "31"}})

	require.Error(t, run.Err())
	assert.Equal(t, "proxy.list", res.Target)
	assert.Equal(t, "Cannot delete proxies", res.Flash.Text)
	assert.Equal(t, []string{`Proxy "proxy-east" is used by host "web01"`}, res.Flash.Details)
	assert.Len(t, h.backend.All(KindProxy), 3)
}

func TestProxyDelete_Deletes(t *testing.T) {
	h := newHarness(t)
	seedProxies(h)

	res, run := h.run(adminCtx("a-1"), ActionProxyDelete, map[string]any{"proxyids": []any{"31", "32"}})

	require.NoError(t, run.Err())
	assert.Equal(t, "2 proxies deleted", res.Flash.Text)
	assert.Len(t, h.backend.All(KindProxy), 1)
}

func TestProxyDelete_UserTypeCheckedBeforeRights(t *testing.T) {
	h := newHarness(t)
	seedProxies(h)
	h.grant("u-1", KindProxy, backend.RightWrite, "32")

	res, _ := h.run(userCtx("u-1"), ActionProxyDelete, map[string]any{"proxyids": []any{"32"}})

	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Len(t, h.backend.All(KindProxy), 3)
}
