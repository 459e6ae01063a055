package storage

import (
	"context"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

const lanePartition = "lanes"

// LaneCatalog reads the fixed lane names from an Azure table. Lanes are loaded
// once at startup and never change for the life of the process.
type LaneCatalog struct {
	table *aztables.Client
}

type laneEntity struct {
	aztables.Entity
	Order int `json:"Order"`
}

// NewLaneCatalog opens the lane table named table.
func NewLaneCatalog(connStr, table string) (*LaneCatalog, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &LaneCatalog{table: svc.NewClient(table)}, nil
}

// Lanes returns the configured lane names ordered by Order, then name.
func (c *LaneCatalog) Lanes(ctx context.Context) ([]string, error) {
	filter := "PartitionKey eq '" + lanePartition + "'"
	pager := c.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var raw [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		raw = append(raw, resp.Entities...)
	}
	return decodeLanes(raw)
}

// Ensure creates the lane table if needed and seeds it with defaults when it is empty.
func (c *LaneCatalog) Ensure(ctx context.Context, defaults []string) error {
	if _, err := c.table.CreateTable(ctx, nil); err != nil && !isAlreadyExists(err, string(aztables.TableAlreadyExists)) {
		return err
	}
	existing, err := c.Lanes(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, payload := range encodeLanes(defaults) {
		if _, err := c.table.UpsertEntity(ctx, payload, nil); err != nil {
			return err
		}
	}
	return nil
}

func decodeLanes(raw [][]byte) ([]string, error) {
	ents := make([]laneEntity, 0, len(raw))
	for _, e := range raw {
		var ent laneEntity
		if err := sonic.Unmarshal(e, &ent); err != nil {
			return nil, err
		}
		if ent.RowKey == "" {
			continue
		}
		ents = append(ents, ent)
	}
	sort.Slice(ents, func(i, j int) bool {
		if ents[i].Order != ents[j].Order {
			return ents[i].Order < ents[j].Order
		}
		return ents[i].RowKey < ents[j].RowKey
	})
	names := make([]string, 0, len(ents))
	for _, ent := range ents {
		names = append(names, ent.RowKey)
	}
	return names, nil
}

func encodeLanes(names []string) [][]byte {
	out := make([][]byte, 0, len(names))
	for i, name := range names {
		if name == "" {
			continue
		}
		payload, err := sonic.Marshal(map[string]any{
			"PartitionKey": lanePartition,
			"RowKey":       name,
			"Order":        i,
		})
		if err != nil {
			continue
		}
		out = append(out, payload)
	}
	return out
}
