package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	devices "edgefleet/internal/devices/domain"
	installation "edgefleet/internal/installation/domain"

	"github.com/go-resty/resty/v2"
)

// StoreStatus is the master-data service reply for one store.
type StoreStatus struct {
	StoreID          string `json:"store_id"`
	CatalogAvailable bool   `json:"catalog_available"`
	ProductCount     int    `json:"product_count"`
}

// MasterDataClient reads store status from the master-data service.
type MasterDataClient struct {
	client *resty.Client
}

// NewMasterDataClient constructs a client for baseURL.
func NewMasterDataClient(baseURL, token string, timeout time.Duration) (*MasterDataClient, error) {
	if baseURL == "" {
		return nil, errors.New("master data: empty base url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().SetBaseURL(baseURL).SetTimeout(timeout)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &MasterDataClient{client: client}, nil
}

// StoreStatus fetches the catalog status of storeID.
func (c *MasterDataClient) StoreStatus(ctx context.Context, storeID string) (*StoreStatus, error) {
	var out StoreStatus
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("store", storeID).
		SetResult(&out).
		Get("/stores/{store}/status")
	if err != nil {
		return nil, fmt.Errorf("master data: store %s: %w", storeID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("master data: store %s: status %d", storeID, resp.StatusCode())
	}
	return &out, nil
}

// StoreStatusReader is implemented by MasterDataClient.
type StoreStatusReader interface {
	StoreStatus(ctx context.Context, storeID string) (*StoreStatus, error)
}

// MasterDataProbe confirms the store catalog is loaded.
type MasterDataProbe struct {
	reader StoreStatusReader
}

// NewMasterDataProbe constructs the probe.
func NewMasterDataProbe(reader StoreStatusReader) *MasterDataProbe {
	return &MasterDataProbe{reader: reader}
}

func (p *MasterDataProbe) Name() string { return installation.CheckMasterData }

func (p *MasterDataProbe) Run(ctx context.Context, device devices.Device, _ installation.Requirements) (installation.SubCheck, error) {
	if p.reader == nil {
		return installation.Failed(installation.CheckMasterData, "master data service not configured",
			"configure the master data endpoint"), nil
	}
	status, err := p.reader.StoreStatus(ctx, device.StoreID)
	if err != nil {
		return installation.SubCheck{}, err
	}
	switch {
	case !status.CatalogAvailable:
		return installation.Failed(installation.CheckMasterData,
			fmt.Sprintf("catalog unavailable for store %s", device.StoreID),
			"publish the store catalog"), nil
	case status.ProductCount <= 0:
		return installation.SubCheck{
			Name:        installation.CheckMasterData,
			Passed:      false,
			Score:       50,
			Detail:      fmt.Sprintf("catalog for store %s has no products", device.StoreID),
			Remediation: "load products into the store catalog",
		}, nil
	default:
		return installation.SubCheck{
			Name:   installation.CheckMasterData,
			Passed: true,
			Score:  100,
			Detail: fmt.Sprintf("%d products available", status.ProductCount),
		}, nil
	}
}
