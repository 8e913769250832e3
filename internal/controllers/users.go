package controllers

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/prefs"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

func userList(Deps) (*pipeline.Handler, error) {
	page := string(ActionUserList)
	return pipeline.NewBuilder(page).
		ReadOnly().
		MinUserType(model.UserTypeSuperAdmin).
		OnDenied(pipeline.To(string(ActionDashboardList))).
		Fields(filterFields()...).
		Fields(
			validate.String("filter_username").Rule("max=100"),
			validate.String("sort").In("username", "name", "surname"),
			validate.String("sortorder").In(string(model.SortAsc), string(model.SortDesc)),
		).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			sort := sticky(ctx, a, page, prefs.KeySort, "username")
			order := sticky(ctx, a, page, prefs.KeySortOrder, string(model.SortAsc))
			filter := listFilter(ctx, a, page, "filter_username")

			q := model.Query{SortField: sort, SortOrder: sortOrder(order)}
			if v := filter["filter_username"]; v != "" {
				q.Search = map[string]string{"username": v}
			}
			users, err := a.Backend.Get(ctx, KindUser, q)
			if err != nil {
				return model.ActionResult{}, err
			}
			for _, u := range users {
				delete(u, "passwd")
			}

			return model.Render(page, "Users", map[string]any{
				"users":     records(users),
				"sort":      sort,
				"sortorder": order,
				"filter":    filter,
			}), nil
		}).
		Build()
}

func userEdit(Deps) (*pipeline.Handler, error) {
	return pipeline.NewBuilder(string(ActionUserEdit)).
		ReadOnly().
		MinUserType(model.UserTypeSuperAdmin).
		OnDenied(pipeline.To(string(ActionDashboardList))).
		OnFailure(pipeline.To(string(ActionUserList)), "No permissions to referred object or it does not exist!").
		Fields(validate.ID("userid").Require().NonEmpty().AsFatal()).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			userid := a.Inputs.String("userid")
			users, err := a.Backend.Get(ctx, KindUser, model.Query{IDs: []string{userid}})
			if err != nil {
				return model.ActionResult{}, err
			}
			if len(users) != 1 {
				return model.ActionResult{}, model.NewNotFoundError("user not found")
			}
			user := users[0]
			delete(user, "passwd")

			members, err := a.Backend.Get(ctx, KindUserGroupMember, model.Query{Filter: map[string]string{"userid": userid}})
			if err != nil {
				return model.ActionResult{}, err
			}
			groups, err := a.Backend.Get(ctx, KindUserGroup, model.Query{SortField: "name"})
			if err != nil {
				return model.ActionResult{}, err
			}
			selected := make([]string, 0, len(members))
			for _, m := range members {
				selected = append(selected, m.String("usrgrpid"))
			}

			return model.Render(string(ActionUserEdit), user.String("username"), map[string]any{
				"user":     map[string]any(user),
				"usrgrps":  selected,
				"groups":   records(groups),
				"usertype": user.String("user_type"),
			}), nil
		}).
		Build()
}

func userUpdate(deps Deps) (*pipeline.Handler, error) {
	back := pipeline.To(string(ActionUserEdit), "userid")
	return pipeline.NewBuilder(string(ActionUserUpdate)).
		MinUserType(model.UserTypeSuperAdmin).
		Require(CapUsersUpdate).
		Fields(
			validate.ID("userid").Require().NonEmpty().AsFatal(),
			validate.String("username").WithLabel("Username").Require().NonEmpty().Rule("max=100"),
			validate.String("name").WithLabel("Name").Sanitized(validate.SanitizeModeText).Rule("max=100"),
			validate.String("surname").WithLabel("Last name").Sanitized(validate.SanitizeModeText).Rule("max=100"),
			validate.Int("user_type").WithLabel("User type").In(
				strconv.Itoa(int(model.UserTypeUser)),
				strconv.Itoa(int(model.UserTypeAdmin)),
				strconv.Itoa(int(model.UserTypeSuperAdmin)),
			),
			validate.String("password1").WithLabel("Password").Rule("min=8").Rule("max=72"),
			validate.String("password2").WithLabel("Password (once again)").WithDefault("").MustMatch("password1"),
			validate.IDs("usrgrps").WithLabel("Groups").Require().NonEmpty(),
		).
		OnFailure(back, "Cannot update user").
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			userid := a.Inputs.String("userid")

			after := model.Record{
				"id":       userid,
				"username": a.Inputs.String("username"),
			}
			for _, f := range []string{"name", "surname", "user_type"} {
				if a.Inputs.Has(f) {
					after[f] = a.Inputs.String(f)
				}
			}
			passwordChanged := a.Inputs.String("password1") != ""
			if passwordChanged {
				hash, err := bcrypt.GenerateFromPassword([]byte(a.Inputs.String("password1")), deps.BcryptCost)
				if err != nil {
					return model.ActionResult{}, fmt.Errorf("hashing password: %w", err)
				}
				after["passwd"] = string(hash)
			}

			err := deps.Audit.InTx(ctx, a.Backend, func(ctx context.Context, tx model.Backend) error {
				current, err := tx.Get(ctx, KindUser, model.Query{IDs: []string{userid}})
				if err != nil {
					return err
				}
				if len(current) != 1 {
					return model.NewNotFoundError("user not found")
				}
				before := current[0]

				if err := checkUserRefs(ctx, tx, userid, after.String("username"), a.Inputs.IDs("usrgrps")); err != nil {
					return err
				}
				if err := tx.Update(ctx, KindUser, after); err != nil {
					return err
				}
				if err := syncGroups(ctx, tx, userid, a.Inputs.IDs("usrgrps")); err != nil {
					return err
				}

				details := audit.Changes(before, after, "username", "name", "surname", "user_type")
				if passwordChanged {
					details["passwd"] = "changed"
				}
				return deps.Audit.Record(ctx, tx, audit.Entry{
					Action:       audit.ActionUpdate,
					ResourceType: KindUser,
					ResourceID:   userid,
					ResourceName: after.String("username"),
					Details:      details,
				})
			})
			if err != nil {
				return model.ActionResult{}, err
			}
			deps.Capabilities.Invalidate(userid)

			return model.Redirect(string(ActionUserList)).WithFlash(model.NewFlashOK("User updated")), nil
		}).
		Build()
}

// checkUserRefs rejects a username taken by another user and groups that
// do not exist. It must only run after authorization, inside the update
// transaction.
func checkUserRefs(ctx context.Context, tx model.Backend, userid, username string, groups []string) error {
	users, err := tx.Get(ctx, KindUser, model.Query{Filter: map[string]string{"username": username}})
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.ID() != userid {
			return model.NewConflictError(fmt.Sprintf("User with username %q already exists", username))
		}
	}

	n, err := tx.Count(ctx, KindUserGroup, model.Query{IDs: groups})
	if err != nil {
		return err
	}
	if n != len(groups) {
		return model.NewNotFoundError("Groups references a missing record")
	}
	return nil
}

// syncGroups makes the user's group memberships equal groups.
func syncGroups(ctx context.Context, tx model.Backend, userid string, groups []string) error {
	members, err := tx.Get(ctx, KindUserGroupMember, model.Query{Filter: map[string]string{"userid": userid}})
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(members))
	var remove []string
	for _, m := range members {
		gid := m.String("usrgrpid")
		if !slices.Contains(groups, gid) {
			remove = append(remove, m.ID())
			continue
		}
		have[gid] = true
	}
	var add []model.Record
	for _, gid := range groups {
		if !have[gid] {
			add = append(add, model.Record{"userid": userid, "usrgrpid": gid})
		}
	}

	if len(remove) > 0 {
		if err := tx.Delete(ctx, KindUserGroupMember, remove...); err != nil {
			return err
		}
	}
	if len(add) > 0 {
		if _, err := tx.Create(ctx, KindUserGroupMember, add...); err != nil {
			return err
		}
	}
	return nil
}
