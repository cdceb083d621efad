package devicecache

import (
	"context"

	"github.com/dejobratic/purchasesync/internal/cachekey"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
)

// groupedAttributes is owner -> key -> attribute.
type groupedAttributes map[string]map[string]domain.SubscriberAttribute

func (c *Cache) updateAttributes(ctx context.Context, mutate func(groups groupedAttributes) error) error {
	return UpdateJSON(ctx, c.store, cachekey.SubscriberAttributes{}, func(groups *groupedAttributes) (bool, error) {
		if *groups == nil {
			*groups = make(groupedAttributes)
		}
		if err := mutate(*groups); err != nil {
			return false, err
		}
		for owner, attrs := range *groups {
			if len(attrs) == 0 {
				delete(*groups, owner)
			}
		}
		return len(*groups) > 0, nil
	})
}

func (c *Cache) readAttributes(ctx context.Context) (groupedAttributes, error) {
	groups, _, err := ReadJSON[groupedAttributes](ctx, c.store, cachekey.SubscriberAttributes{})
	return groups, err
}

// StoreAttributes sets attributes for the owner, replacing existing keys.
func (c *Cache) StoreAttributes(ctx context.Context, appUserID string, attributes map[string]domain.SubscriberAttribute) error {
	if len(attributes) == 0 {
		return nil
	}
	return c.updateAttributes(ctx, func(groups groupedAttributes) error {
		owned := groups[appUserID]
		if owned == nil {
			owned = make(map[string]domain.SubscriberAttribute, len(attributes))
			groups[appUserID] = owned
		}
		for key, attr := range attributes {
			owned[key] = attr
		}
		return nil
	})
}

// Attribute returns one stored attribute, or nil.
func (c *Cache) Attribute(ctx context.Context, appUserID, key string) (*domain.SubscriberAttribute, error) {
	groups, err := c.readAttributes(ctx)
	if err != nil {
		return nil, err
	}
	attr, ok := groups[appUserID][key]
	if !ok {
		return nil, nil
	}
	return &attr, nil
}

func (c *Cache) Attributes(ctx context.Context, appUserID string) (map[string]domain.SubscriberAttribute, error) {
	groups, err := c.readAttributes(ctx)
	if err != nil {
		return nil, err
	}
	return groups[appUserID], nil
}

func (c *Cache) UnsyncedAttributes(ctx context.Context, appUserID string) (map[string]domain.SubscriberAttribute, error) {
	groups, err := c.readAttributes(ctx)
	if err != nil {
		return nil, err
	}
	return unsynced(groups[appUserID]), nil
}

// UnsyncedAttributesByOwner returns every owner holding unsynced attributes.
func (c *Cache) UnsyncedAttributesByOwner(ctx context.Context) (map[string]map[string]domain.SubscriberAttribute, error) {
	groups, err := c.readAttributes(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[string]domain.SubscriberAttribute)
	for owner, attrs := range groups {
		if pending := unsynced(attrs); len(pending) > 0 {
			result[owner] = pending
		}
	}
	return result, nil
}

// MarkAttributesSynced flags the posted attributes as synced. An attribute
// whose value changed after it was posted stays unsynced.
func (c *Cache) MarkAttributesSynced(ctx context.Context, appUserID string, posted map[string]domain.SubscriberAttribute) error {
	if len(posted) == 0 {
		return nil
	}
	return c.updateAttributes(ctx, func(groups groupedAttributes) error {
		owned := groups[appUserID]
		for key, sent := range posted {
			current, ok := owned[key]
			if !ok || current.Value != sent.Value {
				continue
			}
			current.IsSynced = true
			owned[key] = current
		}
		return nil
	})
}

// DeleteAttributesIfSynced removes the owner's attributes when none of them
// is pending.
func (c *Cache) DeleteAttributesIfSynced(ctx context.Context, appUserID string) error {
	return c.updateAttributes(ctx, func(groups groupedAttributes) error {
		if len(unsynced(groups[appUserID])) == 0 {
			delete(groups, appUserID)
		}
		return nil
	})
}

// CopyUnsyncedAttributes moves pending attributes from one owner to another,
// typically from an anonymous owner to the identified one.
func (c *Cache) CopyUnsyncedAttributes(ctx context.Context, fromAppUserID, toAppUserID string) error {
	if fromAppUserID == toAppUserID {
		return nil
	}
	return c.updateAttributes(ctx, func(groups groupedAttributes) error {
		pending := unsynced(groups[fromAppUserID])
		if len(pending) == 0 {
			return nil
		}

		target := groups[toAppUserID]
		if target == nil {
			target = make(map[string]domain.SubscriberAttribute, len(pending))
			groups[toAppUserID] = target
		}
		for key, attr := range pending {
			target[key] = attr
		}
		delete(groups, fromAppUserID)
		return nil
	})
}

// CleanupAttributes drops synced attributes of every owner other than the
// current one. Pending attributes are never dropped.
func (c *Cache) CleanupAttributes(ctx context.Context, currentAppUserID string) error {
	if err := c.migrateLegacyAttributes(ctx); err != nil {
		return err
	}
	return c.updateAttributes(ctx, func(groups groupedAttributes) error {
		for owner, attrs := range groups {
			if owner == currentAppUserID {
				continue
			}
			groups[owner] = unsynced(attrs)
		}
		return nil
	})
}

// migrateLegacyAttributes runs once per Cache. Grouped values win over
// legacy ones for the same key.
func (c *Cache) migrateLegacyAttributes(ctx context.Context) error {
	c.migrateOnce.Do(func() {
		entries, err := c.store.List(ctx, cachekey.LegacySubscriberAttributesPrefix)
		if err != nil {
			c.migrateErr = domain.NewStoreError("list legacy attributes", err)
			return
		}
		if len(entries) == 0 {
			return
		}

		legacy := make(groupedAttributes, len(entries))
		for _, entry := range entries {
			owner, ok := cachekey.OwnerFromLegacyAttributesKey(entry.Key)
			if !ok {
				continue
			}
			attrs, _, err := ReadJSON[map[string]domain.SubscriberAttribute](ctx, c.store, cachekey.LegacySubscriberAttributes{Owner: owner})
			if err != nil {
				c.logger.WarnContext(ctx, "skipping unreadable legacy attributes", "app_user_id", owner, "error", err)
				continue
			}
			legacy[owner] = attrs
		}

		err = c.updateAttributes(ctx, func(groups groupedAttributes) error {
			for owner, attrs := range legacy {
				merged := make(map[string]domain.SubscriberAttribute, len(attrs)+len(groups[owner]))
				for key, attr := range attrs {
					merged[key] = attr
				}
				for key, attr := range groups[owner] {
					merged[key] = attr
				}
				groups[owner] = merged
			}
			return nil
		})
		if err != nil {
			c.migrateErr = err
			return
		}

		for _, entry := range entries {
			if err := c.store.Delete(ctx, entry.Key); err != nil {
				c.migrateErr = domain.NewStoreError("delete legacy attributes", err)
				return
			}
		}
		c.logger.InfoContext(ctx, "migrated legacy subscriber attributes", "owners", len(legacy))
	})
	return c.migrateErr
}

func unsynced(attrs map[string]domain.SubscriberAttribute) map[string]domain.SubscriberAttribute {
	pending := make(map[string]domain.SubscriberAttribute)
	for key, attr := range attrs {
		if !attr.IsSynced {
			pending[key] = attr
		}
	}
	return pending
}
