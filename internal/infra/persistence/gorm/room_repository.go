package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collab-music/internal/domain"
	"collab-music/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// Transaction 开启事务，回调中的 repo 使用同一个 *gorm.DB 事务句柄。
// 已经处于事务中时 GORM 会使用 SAVEPOINT 嵌套。
func (r *GormRoomRepository) Transaction(ctx context.Context, fn func(repo repository.RoomRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRoomRepository{db: tx})
	})
}

// isDuplicateEntry 判断是否为 MySQL 唯一约束冲突 (1062)
func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// --- Room ---

func (r *GormRoomRepository) FindRoomByID(ctx context.Context, id string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by id %s: %w", id, err)
	}
	return &room, nil
}

func (r *GormRoomRepository) FindRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Where("room_code = ?", code).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by code '%s': %w", code, err)
	}
	return &room, nil
}

// LockRoom 使用行锁读取房间，必须在事务中调用才有意义
func (r *GormRoomRepository) LockRoom(ctx context.Context, id string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: lock room %s: %w", id, err)
	}
	return &room, nil
}

func (r *GormRoomRepository) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rooms := []domain.Room{}
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("gorm: list rooms: %w", err)
	}
	return rooms, nil
}

func (r *GormRoomRepository) IsRoomCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Room{}).Where("room_code = ?", code).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: count rooms by code '%s': %w", code, err)
	}
	return count > 0, nil
}

func (r *GormRoomRepository) CreateRoom(ctx context.Context, room *domain.Room) error {
	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create room (code: %s): %w", room.RoomCode, err)
	}
	return nil
}

func (r *GormRoomRepository) SetRoomAdmin(ctx context.Context, roomID, participantID string) error {
	res := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", roomID).Update("admin_id", participantID)
	if res.Error != nil {
		return fmt.Errorf("gorm: set admin of room %s: %w", roomID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

func (r *GormRoomRepository) SetCurrentSong(ctx context.Context, roomID string, songID *string) error {
	// MySQL 在值未变化时 RowsAffected 为 0，所以这里不依赖它判断房间是否存在
	err := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", roomID).Update("current_song_id", songID).Error
	if err != nil {
		return fmt.Errorf("gorm: set current song of room %s: %w", roomID, err)
	}
	return nil
}

// DeleteRoom 先清空当前曲目指针，再删除队列、成员关系和房间本身
func (r *GormRoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	db := r.db.WithContext(ctx)
	if err := db.Model(&domain.Room{}).Where("id = ?", roomID).Update("current_song_id", nil).Error; err != nil {
		return fmt.Errorf("gorm: clear current song of room %s: %w", roomID, err)
	}
	if err := db.Where("room_id = ?", roomID).Delete(&domain.Song{}).Error; err != nil {
		return fmt.Errorf("gorm: delete queue of room %s: %w", roomID, err)
	}
	if err := db.Where("room_id = ?", roomID).Delete(&domain.Membership{}).Error; err != nil {
		return fmt.Errorf("gorm: delete members of room %s: %w", roomID, err)
	}
	if err := db.Where("id = ?", roomID).Delete(&domain.Room{}).Error; err != nil {
		return fmt.Errorf("gorm: delete room %s: %w", roomID, err)
	}
	return nil
}

// --- Participant ---

func (r *GormRoomRepository) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create participant %s: %w", p.ID, err)
	}
	return nil
}

func (r *GormRoomRepository) FindParticipant(ctx context.Context, id string) (*domain.Participant, error) {
	var p domain.Participant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("gorm: find participant %s: %w", id, err)
	}
	return &p, nil
}

func (r *GormRoomRepository) DeleteOrphanParticipants(ctx context.Context, before time.Time) (int64, error) {
	db := r.db.WithContext(ctx)
	res := db.
		Where("created_at < ?", before).
		Where("id NOT IN (?)", db.Model(&domain.Membership{}).Select("participant_id")).
		Where("id NOT IN (?)", db.Model(&domain.Song{}).Select("added_by")).
		Where("id NOT IN (?)", db.Model(&domain.Room{}).Select("admin_id")).
		Delete(&domain.Participant{})
	if res.Error != nil {
		return 0, fmt.Errorf("gorm: delete orphan participants: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- Membership ---

func (r *GormRoomRepository) CreateMembership(ctx context.Context, m *domain.Membership) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create membership (room %s, participant %s): %w", m.RoomID, m.ParticipantID, err)
	}
	return nil
}

func (r *GormRoomRepository) FindMembership(ctx context.Context, roomID, participantID string) (*domain.Membership, error) {
	var m domain.Membership
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND participant_id = ?", roomID, participantID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrMembershipNotFound
		}
		return nil, fmt.Errorf("gorm: find membership (room %s, participant %s): %w", roomID, participantID, err)
	}
	return &m, nil
}

func (r *GormRoomRepository) DeleteMembership(ctx context.Context, roomID, participantID string) error {
	res := r.db.WithContext(ctx).
		Where("room_id = ? AND participant_id = ?", roomID, participantID).
		Delete(&domain.Membership{})
	if res.Error != nil {
		return fmt.Errorf("gorm: delete membership (room %s, participant %s): %w", roomID, participantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrMembershipNotFound
	}
	return nil
}

func (r *GormRoomRepository) CountMembers(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Membership{}).Where("room_id = ?", roomID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("gorm: count members of room %s: %w", roomID, err)
	}
	return count, nil
}

func (r *GormRoomRepository) FirstMember(ctx context.Context, roomID string) (*domain.Membership, error) {
	var m domain.Membership
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").Order("participant_id ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrMembershipNotFound
		}
		return nil, fmt.Errorf("gorm: first member of room %s: %w", roomID, err)
	}
	return &m, nil
}

func (r *GormRoomRepository) UpdateMemberRole(ctx context.Context, roomID, participantID string, role domain.Role) error {
	res := r.db.WithContext(ctx).Model(&domain.Membership{}).
		Where("room_id = ? AND participant_id = ?", roomID, participantID).
		Update("role", role)
	if res.Error != nil {
		return fmt.Errorf("gorm: update role (room %s, participant %s): %w", roomID, participantID, res.Error)
	}
	return nil
}

func (r *GormRoomRepository) ListMembers(ctx context.Context, roomID string) ([]domain.Participant, error) {
	members := []domain.Participant{}
	err := r.db.WithContext(ctx).
		Table("participants").
		Select("participants.*").
		Joins("JOIN room_members ON room_members.participant_id = participants.id").
		Where("room_members.room_id = ?", roomID).
		Order("room_members.joined_at ASC").Order("participants.id ASC").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list members of room %s: %w", roomID, err)
	}
	return members, nil
}

// --- Song queue ---

func (r *GormRoomRepository) CreateSong(ctx context.Context, song *domain.Song) error {
	if err := r.db.WithContext(ctx).Create(song).Error; err != nil {
		return fmt.Errorf("gorm: create song in room %s: %w", song.RoomID, err)
	}
	return nil
}

func (r *GormRoomRepository) FindSong(ctx context.Context, id string) (*domain.Song, error) {
	var song domain.Song
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&song).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrSongNotFound
		}
		return nil, fmt.Errorf("gorm: find song %s: %w", id, err)
	}
	return &song, nil
}

func (r *GormRoomRepository) DeleteSong(ctx context.Context, roomID, songID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("room_id = ? AND id = ?", roomID, songID).Delete(&domain.Song{})
	if res.Error != nil {
		return false, fmt.Errorf("gorm: delete song %s from room %s: %w", songID, roomID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *GormRoomRepository) ListSongs(ctx context.Context, roomID string) ([]domain.Song, error) {
	queue := []domain.Song{}
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("added_at ASC").Order("id ASC").
		Find(&queue).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list songs of room %s: %w", roomID, err)
	}
	return queue, nil
}
