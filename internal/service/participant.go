package service

import (
	"context"

	"collab-music/internal/domain"
	"collab-music/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JoinRoom 在房间中创建新参与者和普通成员关系。
// 发布 PARTICIPANT_JOINED 和事务内重新查询得到的 PARTICIPANTS_UPDATED 快照。
func (s *RoomService) JoinRoom(ctx context.Context, roomCode, name string) (*domain.Participant, error) {
	roomCode = NormalizeRoomCode(roomCode)
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_code": roomCode, "name": name})

	now := s.timestamp()
	participant := &domain.Participant{ID: uuid.NewString(), Name: name, CreatedAt: now}
	batch := &eventBatch{}

	err = s.repo.Transaction(ctx, func(repo repository.RoomRepository) error {
		room, err := lockRoomByCode(ctx, repo, roomCode)
		if err != nil {
			return err
		}
		if err := repo.CreateParticipant(ctx, participant); err != nil {
			return mapRepoError(err, nil, "create participant")
		}
		if err := repo.CreateMembership(ctx, &domain.Membership{
			RoomID:        room.ID,
			ParticipantID: participant.ID,
			Role:          domain.RoleMember,
			JoinedAt:      now,
		}); err != nil {
			return mapRepoError(err, nil, "create membership")
		}
		members, err := repo.ListMembers(ctx, room.ID)
		if err != nil {
			return mapRepoError(err, nil, "list members")
		}
		if err := batch.add(domain.EventParticipantJoined, room.RoomCode, participant); err != nil {
			return err
		}
		return batch.add(domain.EventParticipantsUpdated, room.RoomCode, members)
	})
	if err != nil {
		logCtx.WithError(err).Warn("JoinRoom failed")
		return nil, mapRepoError(err, nil, "join room")
	}

	s.publish(ctx, batch)
	logCtx.WithField("participant_id", participant.ID).Info("Participant joined room")
	return participant, nil
}

// LeaveRoom 删除成员关系 (参与者记录保留)。最后一名成员离开时删除房间和队列，
// 管理员离开时把管理员身份交给最早加入的剩余成员。
// 发布 PARTICIPANT_LEFT 和 PARTICIPANTS_UPDATED (房间被删除时为空快照)。
func (s *RoomService) LeaveRoom(ctx context.Context, roomCode, participantID string) (*domain.Participant, error) {
	roomCode = NormalizeRoomCode(roomCode)
	logCtx := logrus.WithFields(logrus.Fields{"room_code": roomCode, "participant_id": participantID})

	var departed *domain.Participant
	batch := &eventBatch{}

	err := s.repo.Transaction(ctx, func(repo repository.RoomRepository) error {
		room, err := lockRoomByCode(ctx, repo, roomCode)
		if err != nil {
			return err
		}
		membership, err := repo.FindMembership(ctx, room.ID, participantID)
		if err != nil {
			return mapRepoError(err, ErrParticipantNotInRoom, "find membership")
		}
		departed, err = repo.FindParticipant(ctx, participantID)
		if err != nil {
			return mapRepoError(err, ErrParticipantNotFound, "find participant")
		}
		members, err := removeMember(ctx, repo, room, membership)
		if err != nil {
			return err
		}
		if err := batch.add(domain.EventParticipantLeft, room.RoomCode, departed); err != nil {
			return err
		}
		return batch.add(domain.EventParticipantsUpdated, room.RoomCode, members)
	})
	if err != nil {
		logCtx.WithError(err).Warn("LeaveRoom failed")
		return nil, mapRepoError(err, nil, "leave room")
	}

	s.publish(ctx, batch)
	logCtx.Info("Participant left room")
	return departed, nil
}

// KickParticipant 与 LeaveRoom 走同一条移除路径，只发布 PARTICIPANTS_UPDATED。
// 参与者不在房间中时返回 false。
func (s *RoomService) KickParticipant(ctx context.Context, roomID, participantID string) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": participantID})

	kicked := false
	batch := &eventBatch{}

	err := s.repo.Transaction(ctx, func(repo repository.RoomRepository) error {
		room, err := repo.LockRoom(ctx, roomID)
		if err != nil {
			return mapRepoError(err, ErrRoomNotFound, "lock room")
		}
		membership, err := repo.FindMembership(ctx, room.ID, participantID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return mapRepoError(err, nil, "find membership")
		}
		members, err := removeMember(ctx, repo, room, membership)
		if err != nil {
			return err
		}
		kicked = true
		return batch.add(domain.EventParticipantsUpdated, room.RoomCode, members)
	})
	if err != nil {
		logCtx.WithError(err).Warn("KickParticipant failed")
		return false, mapRepoError(err, nil, "kick participant")
	}

	s.publish(ctx, batch)
	if kicked {
		logCtx.Info("Participant kicked from room")
	} else {
		logCtx.Debug("KickParticipant: participant not in room")
	}
	return kicked, nil
}

// removeMember 删除成员关系并维护房间不变量，返回移除后的成员快照。
// 调用方必须已经持有房间行锁。
func removeMember(ctx context.Context, repo repository.RoomRepository, room *domain.Room, m *domain.Membership) ([]domain.Participant, error) {
	if err := repo.DeleteMembership(ctx, room.ID, m.ParticipantID); err != nil {
		return nil, mapRepoError(err, ErrParticipantNotInRoom, "delete membership")
	}

	remaining, err := repo.CountMembers(ctx, room.ID)
	if err != nil {
		return nil, mapRepoError(err, nil, "count members")
	}
	if remaining == 0 {
		if err := repo.DeleteRoom(ctx, room.ID); err != nil {
			return nil, mapRepoError(err, nil, "delete room")
		}
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "room_code": room.RoomCode}).Info("Last member left, room deleted")
		return []domain.Participant{}, nil
	}

	if m.IsAdmin() {
		next, err := repo.FirstMember(ctx, room.ID)
		if err != nil {
			return nil, mapRepoError(err, nil, "pick next admin")
		}
		if err := repo.UpdateMemberRole(ctx, room.ID, next.ParticipantID, domain.RoleAdmin); err != nil {
			return nil, mapRepoError(err, nil, "promote admin")
		}
		if err := repo.SetRoomAdmin(ctx, room.ID, next.ParticipantID); err != nil {
			return nil, mapRepoError(err, nil, "set room admin")
		}
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "admin_id": next.ParticipantID}).Info("Admin reassigned")
	}

	members, err := repo.ListMembers(ctx, room.ID)
	if err != nil {
		return nil, mapRepoError(err, nil, "list members")
	}
	return members, nil
}

// lockRoomByCode 按房间码解析房间并加行锁
func lockRoomByCode(ctx context.Context, repo repository.RoomRepository, roomCode string) (*domain.Room, error) {
	room, err := repo.FindRoomByCode(ctx, roomCode)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound, "find room")
	}
	// 查找和加锁之间房间可能已被删除
	room, err = repo.LockRoom(ctx, room.ID)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound, "lock room")
	}
	return room, nil
}
